// Package naming holds the key conventions shared by the extraction and resolution stages.
package naming

import (
	"path"
	"strings"
)

// ResultExt is the extension of resolution artifacts.
const ResultExt = ".txt"

// LogicalName strips the directory and extension from a video key.
// "uploads/clip_3.mp4" -> "clip_3".
func LogicalName(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Normalize zero-pads a single-digit index suffix: "clip_3" -> "clip_03".
// Names without an underscore, or whose suffix is not a single digit, are returned unchanged,
// so Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return name
	}
	suffix := name[i+1:]
	if len(suffix) != 1 || suffix[0] < '0' || suffix[0] > '9' {
		return name
	}
	return name[:i+1] + "0" + suffix
}

// FrameKey returns the key of the single representative frame of a video.
// FrameKey("clip_3.mp4", ".jpg") == "clip_03.jpg".
func FrameKey(videoKey, ext string) string {
	return Normalize(LogicalName(videoKey)) + ext
}

// SequenceFrameKey returns the key of one frame in a multi-frame extraction:
// the frame file is placed under the normalized video name.
func SequenceFrameKey(videoKey, frameFile string) string {
	return Normalize(LogicalName(videoKey)) + "/" + path.Base(frameFile)
}

// ResultKey maps a frame key to its result key, keeping any directory part.
// "clip_03.jpg" -> "clip_03.txt", "clip_03/output_01.jpg" -> "clip_03/output_01.txt".
func ResultKey(frameKey string) string {
	return strings.TrimSuffix(frameKey, path.Ext(frameKey)) + ResultExt
}
