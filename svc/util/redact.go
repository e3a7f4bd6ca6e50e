package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strconv"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key)=([^\s&@]+)`)

// RedactPasteContent reports only the size of content.
func RedactPasteContent(content string) string {
	return "[REDACTED " + strconv.Itoa(len(content)) + " bytes]"
}

// RedactSecret masks credentials embedded in DSNs and URLs.
func RedactSecret(s string) string {
	s = secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
	return userinfoPattern.ReplaceAllString(s, "$1:[REDACTED]@")
}

var userinfoPattern = regexp.MustCompile(`(//[^:/@\s]*):[^@/\s]+@`)

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
