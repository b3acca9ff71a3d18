package tools

import "strings"

const (
	BaseURL        = "https://nextseek.mit.edu/"
	protocolPrefix = "P."
)

// Link builds the website URL of a sample or protocol UID.
func Link(uid string) string {
	uid = strings.TrimSpace(uid)
	switch {
	case uid == "":
		return BaseURL
	case strings.HasPrefix(uid, protocolPrefix):
		return BaseURL + "seek/sop/uid=" + uid + "/"
	default:
		return BaseURL + "seek/sampletree/uid=" + uid + "/"
	}
}
