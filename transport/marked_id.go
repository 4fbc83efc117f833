package transport

// The backend uses two numeric encodings for the same channel identifier: a
// "raw" positive id in its internal APIs and a "marked" negative id in every
// place where user, group and channel ids share one namespace. The marked
// form of a channel id is the raw id pushed below a fixed negative offset.
// This encoding is easy to silently regress when inlined, so it lives here
// as a pure function boundary.

const channelIdOffset = int64(1000000000000)

// MarkChannelId converts a raw channel id to its marked form.
func MarkChannelId(raw int64) int64 {
	return -(channelIdOffset + raw)
}

// UnmarkChannelId converts a marked channel id back to its raw form. The
// second return is false when the input is not in the marked channel range.
func UnmarkChannelId(marked int64) (int64, bool) {
	if !IsMarkedChannelId(marked) {
		return 0, false
	}
	return -marked - channelIdOffset, true
}

// IsMarkedChannelId reports whether an id sits in the marked channel range.
func IsMarkedChannelId(id int64) bool {
	return id < -channelIdOffset
}
