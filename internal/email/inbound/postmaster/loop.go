package postmaster

import "strings"

// Local parts that only ever belong to robots.
var robotLocalParts = map[string]bool{
	"mailer-daemon": true,
	"postmaster":    true,
	"no-reply":      true,
	"noreply":       true,
	"do-not-reply":  true,
	"donotreply":    true,
	"bounce":        true,
	"bounces":       true,
}

// isAutomated reports whether a message was generated by software and must
// not be answered with an auto-reply.
func isAutomated(get func(string) string, from string) bool {
	if v := strings.ToLower(strings.TrimSpace(get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(get("Precedence"))) {
	case "bulk", "junk", "list", "auto_reply":
		return true
	}
	if suppress := strings.ToLower(get("X-Auto-Response-Suppress")); suppress != "" {
		for _, token := range strings.Split(suppress, ",") {
			switch strings.TrimSpace(token) {
			case "all", "autoreply", "oof":
				return true
			}
		}
	}
	for _, key := range []string{"X-Autoreply", "X-Autorespond", "List-Id", "X-Loop"} {
		if strings.TrimSpace(get(key)) != "" {
			return true
		}
	}
	if strings.TrimSpace(get("Return-Path")) == "<>" {
		return true
	}
	local := strings.ToLower(from)
	if at := strings.LastIndex(local, "@"); at >= 0 {
		local = local[:at]
	}
	local = strings.Trim(local, "<> \"")
	return robotLocalParts[local]
}
