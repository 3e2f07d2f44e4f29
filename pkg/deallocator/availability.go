package deallocator

import "fmt"

// MinAvailabilitySetting selects how much data must stay available while a
// node shuts down.
const MinAvailabilitySetting = "cluster.graceful_stop.min_availability"

type MinAvailability uint8

const (
	AvailabilityFull MinAvailability = iota
	AvailabilityPrimaries
	AvailabilityNone
)

const DefaultMinAvailability = AvailabilityFull

func (a MinAvailability) String() string {
	switch a {
	case AvailabilityFull:
		return "full"
	case AvailabilityPrimaries:
		return "primaries"
	case AvailabilityNone:
		return "none"
	default:
		return fmt.Sprintf("availability(%d)", uint8(a))
	}
}

// ParseMinAvailability maps a setting value onto a MinAvailability.
func ParseMinAvailability(value string) (MinAvailability, error) {
	switch value {
	case "full":
		return AvailabilityFull, nil
	case "primaries":
		return AvailabilityPrimaries, nil
	case "none":
		return AvailabilityNone, nil
	default:
		return 0, fmt.Errorf("%w: invalid setting for '%s': %q", ErrInvalidConfiguration, MinAvailabilitySetting, value)
	}
}
