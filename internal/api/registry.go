package api

import (
	"github.com/skyatlas/hipsview/internal/render"
)

// SurveyInfo contains the display information of a survey.
type SurveyInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Registry holds the texture arrays of the configured surveys.
type Registry struct {
	arrays        map[string]*render.TextureArray
	titles        map[string]string
	defaultSurvey string
	surveyOrder   []string
	title         string
}

// NewRegistry creates a new survey registry.
func NewRegistry(title string) *Registry {
	return &Registry{
		arrays: make(map[string]*render.TextureArray),
		titles: make(map[string]string),
		title:  title,
	}
}

// Register adds the texture array of a survey. The first survey registered
// is the default one.
func (r *Registry) Register(surveyID, title string, arr *render.TextureArray) {
	if _, ok := r.arrays[surveyID]; !ok {
		r.surveyOrder = append(r.surveyOrder, surveyID)
	}
	if r.defaultSurvey == "" {
		r.defaultSurvey = surveyID
	}
	r.arrays[surveyID] = arr
	r.titles[surveyID] = title
}

// Get returns the texture array of a survey, or nil if not found.
func (r *Registry) Get(surveyID string) *render.TextureArray {
	return r.arrays[surveyID]
}

// DefaultSurveyID returns the default survey ID.
func (r *Registry) DefaultSurveyID() string {
	return r.defaultSurvey
}

// SurveyIDs returns all survey IDs in registration order.
func (r *Registry) SurveyIDs() []string {
	return r.surveyOrder
}

// Title returns the configured site title.
func (r *Registry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "hipsview"
}

// Surveys returns display info for all registered surveys.
func (r *Registry) Surveys() []SurveyInfo {
	infos := make([]SurveyInfo, 0, len(r.surveyOrder))
	for _, id := range r.surveyOrder {
		name := r.titles[id]
		if name == "" {
			name = id
		}
		infos = append(infos, SurveyInfo{ID: id, Title: name})
	}
	return infos
}
