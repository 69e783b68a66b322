package nfc

import (
	"fmt"
	"strings"
)

// SEType identifies a routing target for AIDs.
type SEType int

const (
	SETypeNone SEType = iota
	SETypeUICC
	SETypeESE
	SETypeHCE
	SETypeSDCard
)

var seTypeNames = map[SEType]string{
	SETypeNone:   "NONE",
	SETypeUICC:   "UICC",
	SETypeESE:    "ESE",
	SETypeHCE:    "HCE",
	SETypeSDCard: "SDCARD",
}

func (s SEType) String() string {
	if name, ok := seTypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SEType(%d)", int(s))
}

// ParseSEType accepts the names returned by String, case-insensitively.
func ParseSEType(s string) (SEType, error) {
	for t, name := range seTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return SETypeNone, NewInvalidParameterError("ParseSEType", "unknown secure element type: "+s)
}

// Category is the card emulation category an AID is registered under.
type Category int

const (
	CategoryPayment Category = iota
	CategoryOther
	CategoryUnknown
)

// CategoryCount sizes per-handler activation arrays.
const CategoryCount = int(CategoryUnknown) + 1

var categoryNames = map[Category]string{
	CategoryPayment: "PAYMENT",
	CategoryOther:   "OTHER",
	CategoryUnknown: "UNKNOWN",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	return c >= CategoryPayment && c <= CategoryUnknown
}

// ParseCategory accepts the names returned by String, case-insensitively.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return CategoryUnknown, NewInvalidParameterError("ParseCategory", "unknown category: "+s)
}

// Origin records how an AID entered the route table.
type Origin int

const (
	// OriginManifest AIDs are declared by the installer and persisted.
	OriginManifest Origin = iota
	// OriginDynamic AIDs are registered at runtime by a running handler.
	OriginDynamic
)

func (o Origin) String() string {
	if o == OriginManifest {
		return "MANIFEST"
	}
	return "DYNAMIC"
}

// Power state bits for AID routing entries.
const (
	PowerSwitchOn   uint32 = 1 << 0
	PowerSwitchOff  uint32 = 1 << 1
	PowerBatteryOff uint32 = 1 << 2
	PowerScreenOff  uint32 = 1 << 3
	PowerScreenLock uint32 = 1 << 4

	PowerDefault = PowerSwitchOn
)
