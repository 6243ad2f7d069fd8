// Package qr classifies scanned merchant codes.
package qr

import (
	"fmt"
	"time"
)

// Processor identifies the settlement processor derived from a scanned code.
type Processor string

const (
	ProcessorLuna  Processor = "LUNA"
	ProcessorOrbit Processor = "ORBIT"
)

// Kind is the processor-specific sub-type of a scanned code.
type Kind string

const (
	// KindStatic codes carry no amount; the payer supplies one.
	KindStatic Kind = "STATIC"
	// KindDynamic codes are bound to a merchant-set amount.
	KindDynamic Kind = "DYNAMIC"
)

// Descriptor is an immutable record of one scan. RawCode plus ScannedAt
// is the idempotency key for quote acquisition.
type Descriptor struct {
	RawCode      string    `json:"raw_code"`
	DeclaredType string    `json:"declared_type"`
	ScannedAt    time.Time `json:"scanned_at"`
}

// DedupKey returns the acquisition de-duplication key for this scan.
func (d Descriptor) DedupKey() string {
	return fmt.Sprintf("%s:%d", d.RawCode, d.ScannedAt.UnixNano())
}

// Classification is the result of classifying a scanned code.
type Classification struct {
	Processor Processor
	Kind      Kind
}

var classifications = map[string]Classification{
	"LUNA_STATIC":   {ProcessorLuna, KindStatic},
	"LUNA_DYNAMIC":  {ProcessorLuna, KindDynamic},
	"ORBIT_STATIC":  {ProcessorOrbit, KindStatic},
	"ORBIT_DYNAMIC": {ProcessorOrbit, KindDynamic},
}

// Classify maps a declared code type to a processor and sub-type.
// The second return is false for unrecognized types.
func Classify(declaredType string) (Classification, bool) {
	c, ok := classifications[declaredType]
	return c, ok
}
