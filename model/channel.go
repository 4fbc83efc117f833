package model

import "time"

/*

Channel is the metadata record of an upstream content source.

Id: backend assigned source identifier (raw, unmarked form)
Name: display name
AvatarRef: opaque file reference of the channel avatar, downloadable
	through the transport like any other binary
LatestPost: denormalized reference to the most recent post observed for
	this channel, updated whenever a newer post supersedes it
LastActiveAt: effective time of LatestPost, drives subscription rebalancing
Discovered: true when the channel was learned dynamically from an
	unrecognized post's source id rather than from the bulk sources load

Channels are never deleted except on full reset (logout).
*/
type Channel struct {
	Id           int64     `json:"id"`
	Name         string    `json:"name"`
	AvatarRef    string    `json:"avatarRef,omitempty"`
	LatestPost   *Post     `json:"latestPost,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt,omitempty"`
	Discovered   bool      `json:"discovered,omitempty"`
}
