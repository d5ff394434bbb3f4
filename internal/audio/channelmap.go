package audio

// ChannelRole names the speaker position a physical channel feeds.
type ChannelRole uint8

const (
	RoleUnknown ChannelRole = iota
	RoleFrontLeft
	RoleFrontRight
	RoleFrontCenter
	RoleLowFrequency
	RoleBackLeft
	RoleBackRight
	RoleFrontLeftOfCenter
	RoleFrontRightOfCenter
	RoleBackCenter
	RoleSideLeft
	RoleSideRight
	RoleTopCenter
	RoleTopFrontLeft
	RoleTopFrontCenter
	RoleTopFrontRight
	RoleTopBackLeft
	RoleTopBackCenter
	RoleTopBackRight
)

var roleNames = map[ChannelRole]string{
	RoleUnknown:            "unknown",
	RoleFrontLeft:          "front-left",
	RoleFrontRight:         "front-right",
	RoleFrontCenter:        "front-center",
	RoleLowFrequency:       "lfe",
	RoleBackLeft:           "back-left",
	RoleBackRight:          "back-right",
	RoleFrontLeftOfCenter:  "front-left-of-center",
	RoleFrontRightOfCenter: "front-right-of-center",
	RoleBackCenter:         "back-center",
	RoleSideLeft:           "side-left",
	RoleSideRight:          "side-right",
	RoleTopCenter:          "top-center",
	RoleTopFrontLeft:       "top-front-left",
	RoleTopFrontCenter:     "top-front-center",
	RoleTopFrontRight:      "top-front-right",
	RoleTopBackLeft:        "top-back-left",
	RoleTopBackCenter:      "top-back-center",
	RoleTopBackRight:       "top-back-right",
}

func (r ChannelRole) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

// MaxChannels bounds the channel maps we accept from a device. Formats
// reporting more channels than this fail driver construction.
const MaxChannels = 32

// ChannelMap is an ordered assignment of roles to physical channel indices.
// A nil map is the invalid sentinel: channel semantics could not be derived.
type ChannelMap []ChannelRole

// InvalidChannelMap marks a device whose channel semantics are unknown.
func InvalidChannelMap() ChannelMap { return nil }

// Valid reports whether the map carries any role assignment.
func (m ChannelMap) Valid() bool { return len(m) > 0 }

// Equal requires the same length and the same roles in the same order.
func (m ChannelMap) Equal(other ChannelMap) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i] != other[i] {
			return false
		}
	}
	return true
}

// GuessChannelMap returns a positional layout for the common channel counts
// and an all-Unknown map for everything else. It never fails; unknown
// counts only lose positional information.
func GuessChannelMap(channelCount int) ChannelMap {
	switch channelCount {
	case 1:
		return ChannelMap{RoleFrontCenter}
	case 2:
		return ChannelMap{RoleFrontLeft, RoleFrontRight}
	case 4:
		return ChannelMap{RoleFrontLeft, RoleFrontRight, RoleBackLeft, RoleBackRight}
	case 6:
		return ChannelMap{RoleFrontLeft, RoleFrontRight, RoleFrontCenter, RoleLowFrequency, RoleBackLeft, RoleBackRight}
	case 8:
		return ChannelMap{RoleFrontLeft, RoleFrontRight, RoleFrontCenter, RoleLowFrequency, RoleBackLeft, RoleBackRight, RoleSideLeft, RoleSideRight}
	}
	m := make(ChannelMap, channelCount)
	for i := range m {
		m[i] = RoleUnknown
	}
	return m
}

// maskRoles is the bit order of positional channel masks as used by WAVE
// format extensible layouts. Bit i set means role maskRoles[i] is present.
var maskRoles = [18]ChannelRole{
	RoleFrontLeft, RoleFrontRight, RoleFrontCenter, RoleLowFrequency,
	RoleBackLeft, RoleBackRight, RoleFrontLeftOfCenter, RoleFrontRightOfCenter,
	RoleBackCenter, RoleSideLeft, RoleSideRight, RoleTopCenter,
	RoleTopFrontLeft, RoleTopFrontCenter, RoleTopFrontRight,
	RoleTopBackLeft, RoleTopBackCenter, RoleTopBackRight,
}

// ChannelMapFromMask derives a layout from a positional channel bitmask.
// The mask's popcount must equal channelCount; otherwise the mask is
// ignored and the caller should fall back to GuessChannelMap.
func ChannelMapFromMask(mask uint32, channelCount int) ChannelMap {
	if channelCount <= 0 || channelCount > MaxChannels {
		return InvalidChannelMap()
	}
	m := make(ChannelMap, 0, channelCount)
	for i, role := range maskRoles {
		if mask&(1<<uint(i)) != 0 {
			m = append(m, role)
		}
	}
	if len(m) != channelCount {
		return InvalidChannelMap()
	}
	return m
}
