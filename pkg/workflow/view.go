package workflow

import "github.com/menta2k/dish-counter/pkg/types"

// View is what a host renders for a session
type View struct {
	ID         string          `json:"id"`
	Page       Page            `json:"page"`
	Stage      Stage           `json:"stage"`
	Busy       bool            `json:"busy"`
	Models     []string        `json:"models"`
	ModelIndex int             `json:"model_index"`
	ModelLabel string          `json:"model_label"`
	InputSizes []int           `json:"input_sizes"`
	Params     types.RunParams `json:"params"`

	Source        Source           `json:"source,omitempty"`
	Width         int              `json:"width,omitempty"`
	Height        int              `json:"height,omitempty"`
	PreviewWidth  int              `json:"preview_width,omitempty"`
	PreviewHeight int              `json:"preview_height,omitempty"`
	PreviewScale  float64          `json:"preview_scale,omitempty"`
	Selection     *types.Selection `json:"selection,omitempty"`

	Count        int    `json:"count"`
	ResultModel  string `json:"result_model,omitempty"`
	ArtifactName string `json:"artifact_name,omitempty"`
}

// View summarizes s without its byte buffers
func (e *Engine) View(s *Session) View {
	v := View{
		ID:            s.ID,
		Page:          s.Page,
		Stage:         s.Stage(),
		Busy:          e.Busy(s.ID),
		ModelIndex:    s.ModelIndex,
		InputSizes:    e.InputSizes(),
		Params:        s.Params,
		Source:        s.Source,
		Width:         s.Width,
		Height:        s.Height,
		PreviewWidth:  s.PreviewWidth,
		PreviewHeight: s.PreviewHeight,
		PreviewScale:  s.PreviewScale,
		Selection:     s.Selection,
		Count:         s.Count,
		ResultModel:   s.ResultModel,
		ArtifactName:  s.ArtifactName,
	}
	for _, m := range e.models {
		v.Models = append(v.Models, m.Label)
	}
	if s.ModelIndex >= 0 && s.ModelIndex < len(e.models) {
		v.ModelLabel = e.models[s.ModelIndex].Label
	}
	return v
}
