package smtp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudmailing/cm/dns"
)

// BounceAddress returns the envelope sender used for a recipient of a mailing,
// "<mailingID>-<trackingID>@<domain>". Delivery status notifications sent to
// this address are matched back to the recipient.
func BounceAddress(mailingID int64, trackingID string, domain dns.Domain) Address {
	lp := Localpart(fmt.Sprintf("%d-%s", mailingID, trackingID))
	return Address{Localpart: lp, Domain: domain}
}

// ParseBounceLocalpart returns the mailing id and tracking id from the
// localpart of a bounce address.
func ParseBounceLocalpart(lp Localpart) (mailingID int64, trackingID string, err error) {
	s, t, ok := strings.Cut(string(lp), "-")
	if !ok || t == "" {
		return 0, "", fmt.Errorf("%w: missing tracking id in bounce localpart", ErrBadLocalpart)
	}
	mailingID, err = strconv.ParseInt(s, 10, 64)
	if err != nil || mailingID <= 0 {
		return 0, "", fmt.Errorf("%w: bad mailing id %q in bounce localpart", ErrBadLocalpart, s)
	}
	return mailingID, t, nil
}
