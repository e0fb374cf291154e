package protocol

// Tag is a robot event tag. Only a small closed set is interpreted;
// everything else is TagOther and kept for the log only.
type Tag string

const (
	TagTaskReceived   Tag = "TASK_RECEIVED"
	TagFollowingLine  Tag = "FOLLOWING_LINE"
	TagTargetReached  Tag = "TARGET_REACHED"
	TagQRScanStart    Tag = "QR_SCAN_START"
	TagQRConfirmed    Tag = "QR_CONFIRMED"
	TagQRFailed       Tag = "QR_FAILED"
	TagAligned        Tag = "ALIGNED"
	TagPickCompleted  Tag = "PICK_COMPLETED"
	TagDelivering     Tag = "DELIVERING"
	TagDropCompleted  Tag = "DROP_COMPLETED"
	TagError          Tag = "ERROR"
	TagHWWideMarker   Tag = "HW_WIDE_MARKER"
	TagHWAlignOK      Tag = "HW_ALIGN_OK"
	TagHWAlignTimeout Tag = "HW_ALIGN_TIMEOUT"

	TagOther Tag = "OTHER"
)

var knownTags = map[Tag]bool{
	TagTaskReceived:   true,
	TagFollowingLine:  true,
	TagTargetReached:  true,
	TagQRScanStart:    true,
	TagQRConfirmed:    true,
	TagQRFailed:       true,
	TagAligned:        true,
	TagPickCompleted:  true,
	TagDelivering:     true,
	TagDropCompleted:  true,
	TagError:          true,
	TagHWWideMarker:   true,
	TagHWAlignOK:      true,
	TagHWAlignTimeout: true,
}

// ParseTag maps a raw event string to its Tag, or TagOther.
func ParseTag(s string) Tag {
	if t := Tag(s); knownTags[t] {
		return t
	}
	return TagOther
}

// Terminal reports whether the tag closes the task it refers to.
func (t Tag) Terminal() bool { return t == TagDropCompleted }
