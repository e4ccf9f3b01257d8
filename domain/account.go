// Package domain contains core concepts of the chat system.
// This file defines Account identity invariants.
// No runtime, network, or UI logic should be added here.
package domain

import (
	"regexp"
	"strings"
)

// accountPattern matches a canonical lower-cased wallet address.
var accountPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// CanonicalAccount lower-cases a wallet-derived identifier and reports
// whether the result is address-shaped. Identity comparison everywhere else
// assumes this canonical form.
func CanonicalAccount(raw string) (string, bool) {
	account := strings.ToLower(strings.TrimSpace(raw))
	return account, accountPattern.MatchString(account)
}
