package core

import (
	"fmt"
	"strings"
)

// TxAttribute is the transaction attribute an endpoint (or one of its
// listener methods) is deployed with.
type TxAttribute int

const (
	// TxRequired runs each delivery inside a container-managed global transaction.
	TxRequired TxAttribute = iota
	// TxNotSupported runs each delivery outside any global transaction.
	TxNotSupported
	// TxBeanManaged leaves transaction demarcation to the listener.
	TxBeanManaged
)

func (a TxAttribute) String() string {
	switch a {
	case TxRequired:
		return "Required"
	case TxNotSupported:
		return "NotSupported"
	case TxBeanManaged:
		return "BeanManaged"
	}
	return fmt.Sprintf("TxAttribute(%d)", int(a))
}

// ParseTxAttribute accepts the canonical names case-insensitively along with
// the short forms "bmt" and "cmt".
func ParseTxAttribute(s string) (TxAttribute, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required", "cmt", "":
		return TxRequired, nil
	case "notsupported", "not_supported", "not-supported":
		return TxNotSupported, nil
	case "beanmanaged", "bean_managed", "bean-managed", "bmt":
		return TxBeanManaged, nil
	}
	return 0, fmt.Errorf("unknown transaction attribute %q", s)
}

// TxKind classifies the transaction context a delivery runs under.
type TxKind string

const (
	// TxKindNone means no transaction is associated with the delivery.
	TxKindNone TxKind = "none"
	// TxKindLocal is the unspecified local context a listener sees when no
	// global transaction is active.
	TxKindLocal TxKind = "local"
	// TxKindGlobalInternal is a global transaction begun and completed by the engine.
	TxKindGlobalInternal TxKind = "global_internal"
	// TxKindGlobalImported is a global transaction begun outside the engine.
	TxKindGlobalImported TxKind = "global_imported"
)

// Global reports whether the kind denotes a global transaction.
func (k TxKind) Global() bool {
	return k == TxKindGlobalInternal || k == TxKindGlobalImported
}

// Outcome is the final state of a transaction.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// DeliveryOption identifies the message delivery protocol used on an instance.
type DeliveryOption string

const (
	// OptionA delivers without explicit demarcation calls.
	OptionA DeliveryOption = "A"
	// OptionB brackets each delivery with beforeDelivery/afterDelivery.
	OptionB DeliveryOption = "B"
)

// ParseDeliveryOption accepts A or B case-insensitively; empty means A.
func ParseDeliveryOption(s string) (DeliveryOption, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "A":
		return OptionA, nil
	case "B":
		return OptionB, nil
	}
	return "", fmt.Errorf("unknown delivery option %q", s)
}
