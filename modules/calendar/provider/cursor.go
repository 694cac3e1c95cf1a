package provider

import "encoding/json"

// The connection-level sync cursor is one opaque string, but every adapter
// fetches per selected calendar. The cursor therefore packs a map of
// calendar id to provider-native token. An undecodable cursor is treated as
// absent, which degrades to a safe full sync.

func decodeCursor(cursor string) map[string]string {
	if cursor == "" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(cursor), &m); err != nil || m == nil {
		return map[string]string{}
	}
	return m
}

func encodeCursor(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}
