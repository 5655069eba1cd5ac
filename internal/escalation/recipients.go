package escalation

import (
	"net/mail"
	"strings"

	"github.com/memohai/concierge/internal/tenant"
)

// Recipients walks the tiers user email, contact emails, owner email, default and
// returns the first tier holding at least one valid address.
func Recipients(t tenant.TenantConfig, defaultRecipient string) []string {
	tiers := [][]string{
		{t.UserEmail},
		t.ContactEmails,
		{t.OwnerEmail},
		{defaultRecipient},
	}
	for _, tier := range tiers {
		if addrs := validAddresses(tier); len(addrs) > 0 {
			return addrs
		}
	}
	return nil
}

// allowedSenders is every address that may answer an escalation for t.
func allowedSenders(t tenant.TenantConfig, defaultRecipient string) map[string]struct{} {
	all := append([]string{t.UserEmail, t.OwnerEmail, defaultRecipient}, t.ContactEmails...)
	out := make(map[string]struct{}, len(all))
	for _, addr := range validAddresses(all) {
		out[strings.ToLower(addr)] = struct{}{}
	}
	return out
}

func validAddresses(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		parsed, err := mail.ParseAddress(v)
		if err != nil {
			continue
		}
		key := strings.ToLower(parsed.Address)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, parsed.Address)
	}
	return out
}
