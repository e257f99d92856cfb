package format

// Common terrain and entity layouts.
var (
	// PositionColor is xyz + packed rgba: 16 bytes.
	PositionColor = MustNew("position_color",
		Attribute{Name: "position", Type: Float32, Components: 3},
		Attribute{Name: "color", Type: Uint8, Components: 4, Normalized: true},
	)

	// Terrain is xyz + rgba + uv + packed light + normal: 32 bytes.
	Terrain = MustNew("terrain",
		Attribute{Name: "position", Type: Float32, Components: 3},
		Attribute{Name: "color", Type: Uint8, Components: 4, Normalized: true},
		Attribute{Name: "uv", Type: Float32, Components: 2},
		Attribute{Name: "light", Type: Uint16, Components: 2},
		Attribute{Name: "normal", Type: Int8, Components: 4, Normalized: true},
	)
)
