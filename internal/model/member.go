package model

import "sort"

// MemberID identifies a cluster member
type MemberID string

// Location holds the failure-domain attributes of a member
type Location struct {
	Machine string `json:"machine,omitempty" yaml:"machine"`
	Rack    string `json:"rack,omitempty" yaml:"rack"`
	Site    string `json:"site,omitempty" yaml:"site"`
}

// Member is a live cluster member with its topology metadata
type Member struct {
	ID       MemberID `json:"id"`
	Address  string   `json:"address,omitempty"`
	Location Location `json:"location"`
}

// SortMembers orders members by identifier ascending
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
}

// ViewChange is an ordered topology event delivered by the membership layer
type ViewChange struct {
	Version uint64     `json:"version"`
	Added   []Member   `json:"added,omitempty"`
	Removed []MemberID `json:"removed,omitempty"`
}
