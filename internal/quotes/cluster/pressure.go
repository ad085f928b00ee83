package cluster

import "fmt"

// PressureZone：POC 在按价格升序排列的价位里处于哪一段
type PressureZone uint8

const (
	ZoneMiddle PressureZone = iota
	ZoneTop
	ZoneBottom
)

const (
	topFraction    = 0.33
	bottomFraction = 0.66
)

// ClassifyPressure：fraction = pocIndex / height
//   - fraction < 0.33 → Top
//   - fraction > 0.66 → Bottom
//   - 其余（含两个边界）→ Middle
//
// height <= 0 时没有意义，返回 Middle
func ClassifyPressure(pocIndex, height int) PressureZone {
	if height <= 0 {
		return ZoneMiddle
	}
	frac := float64(pocIndex) / float64(height)
	switch {
	case frac < topFraction:
		return ZoneTop
	case frac > bottomFraction:
		return ZoneBottom
	default:
		return ZoneMiddle
	}
}

func (z PressureZone) String() string {
	switch z {
	case ZoneTop:
		return "Top"
	case ZoneBottom:
		return "Bottom"
	default:
		return "Middle"
	}
}

func (z PressureZone) MarshalText() ([]byte, error) {
	return []byte(z.String()), nil
}

func (z *PressureZone) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Top":
		*z = ZoneTop
	case "Middle":
		*z = ZoneMiddle
	case "Bottom":
		*z = ZoneBottom
	default:
		return fmt.Errorf("cluster: unknown pressure zone %q", b)
	}
	return nil
}
