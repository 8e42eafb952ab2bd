package domain

import (
	"strings"
)

const (
	orderUserPrefix = "user_"
	orderPkgMarker  = "_pkg_"
)

// OrderID is the merchant order id attached to a payment:
// user_<user_id>_pkg_<package>[_<nonce>].
type OrderID struct {
	UserID  string
	Package string
	Nonce   string
}

func (o OrderID) String() string {
	s := orderUserPrefix + o.UserID + orderPkgMarker + o.Package
	if o.Nonce != "" {
		s += "_" + o.Nonce
	}
	return s
}

// ParseOrderID splits on the last "_pkg_" so user ids may contain
// underscores. Package names never contain one.
func ParseOrderID(raw string) (OrderID, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, orderUserPrefix) {
		return OrderID{}, ErrInvalidOrderID
	}
	rest := strings.TrimPrefix(raw, orderUserPrefix)

	idx := strings.LastIndex(rest, orderPkgMarker)
	if idx <= 0 {
		return OrderID{}, ErrInvalidOrderID
	}
	userID := rest[:idx]
	tail := rest[idx+len(orderPkgMarker):]
	if tail == "" {
		return OrderID{}, ErrInvalidOrderID
	}

	pkg, nonce, _ := strings.Cut(tail, "_")
	if pkg == "" {
		return OrderID{}, ErrInvalidOrderID
	}
	return OrderID{UserID: userID, Package: strings.ToLower(pkg), Nonce: nonce}, nil
}
