package model

// Scene is one row of the generation manifest.
type Scene struct {
	FileName string `json:"fileName" validate:"required"`
	Style    Style  `json:"style" validate:"required"`
	Prompt   string `json:"prompt" validate:"required"`
}

// InpaintTarget is one row of the inpaint manifest: a file prefix and the
// 1-based tile it needs repaired.
type InpaintTarget struct {
	FilePrefix string `json:"filePrefix" validate:"required"`
	X          int    `json:"x" validate:"min=1"`
	Y          int    `json:"y" validate:"min=1"`
}
