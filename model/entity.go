package model

// Location is a geographic position in degrees and metres.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Orientation is expressed in degrees.
type Orientation struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Velocity carries heading, slope and speed magnitude (m/s).
type Velocity struct {
	Yaw       float64 `json:"yaw"`
	Pitch     float64 `json:"pitch"`
	Magnitude float64 `json:"magnitude"`
}

// EntityItem is the per-vehicle, per-step record published to the
// control channel. GUID is minted once when the vehicle departs and
// retired when it arrives.
type EntityItem struct {
	GUID                  string      `json:"guid"`
	Name                  string      `json:"name"`
	Owner                 string      `json:"owner"`
	VisibleForParticipant bool        `json:"visibleForParticipant"`
	Movable               bool        `json:"movable"`
	Location              Location    `json:"location"`
	Orientation           Orientation `json:"orientation"`
	Velocity              Velocity    `json:"velocity"`
}

// AsMap renders the item as a generic map for structured transports.
func (e EntityItem) AsMap() map[string]any {
	return map[string]any{
		"guid":                  e.GUID,
		"name":                  e.Name,
		"owner":                 e.Owner,
		"visibleForParticipant": e.VisibleForParticipant,
		"movable":               e.Movable,
		"location": map[string]any{
			"latitude":  e.Location.Latitude,
			"longitude": e.Location.Longitude,
			"altitude":  e.Location.Altitude,
		},
		"orientation": map[string]any{
			"yaw":   e.Orientation.Yaw,
			"pitch": e.Orientation.Pitch,
			"roll":  e.Orientation.Roll,
		},
		"velocity": map[string]any{
			"yaw":       e.Velocity.Yaw,
			"pitch":     e.Velocity.Pitch,
			"magnitude": e.Velocity.Magnitude,
		},
	}
}
