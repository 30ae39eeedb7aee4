package registry

import (
	"fmt"
	"strings"
)

// ServiceKind is the closed set of downstream services a saga can call.
type ServiceKind string

const (
	KindCreditCard ServiceKind = "CREDIT_CARD"
	KindInventory  ServiceKind = "INVENTORY"
	KindLogistics  ServiceKind = "LOGISTICS"
)

// Operation is a downstream call type.
type Operation string

const (
	OperationNotify   Operation = "notify"
	OperationRollback Operation = "rollback"
)

var kindPaths = map[ServiceKind]string{
	KindCreditCard: "/payments",
	KindInventory:  "/inventory",
	KindLogistics:  "/shipments",
}

// Kinds returns every known service kind in default execution order.
func Kinds() []ServiceKind {
	return []ServiceKind{KindCreditCard, KindInventory, KindLogistics}
}

// ParseKind resolves a service name to its kind.
func ParseKind(name string) (ServiceKind, error) {
	kind := ServiceKind(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := kindPaths[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return kind, nil
}

// String returns the service name.
func (k ServiceKind) String() string {
	return string(k)
}

// Endpoint builds the URL of op for this kind under baseURL.
func (k ServiceKind) Endpoint(baseURL string, op Operation) (string, error) {
	path, ok := kindPaths[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, string(k))
	}
	if baseURL == "" {
		return "", fmt.Errorf("no base url configured for %s", k)
	}
	return strings.TrimRight(baseURL, "/") + path + "/" + string(op), nil
}
