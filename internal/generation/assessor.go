package generation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tenderline/internal/config"
	"tenderline/internal/domain"
	"tenderline/internal/textnorm"
)

// Assessment is the Quality Assessor's verdict on one draft.
type Assessment struct {
	Score    float64            `json:"score"`
	Issues   []string           `json:"issues,omitempty"`
	Checks   map[string]float64 `json:"checks"`
	Accepted bool               `json:"accepted"`
}

type Assessor struct {
	Config config.GenerationConfig
	// Specificity is optional and best-effort.
	Specificity        SpecificityScorer
	SpecificityTimeout time.Duration
}

type check struct {
	name   string
	weight float64
	score  float64
	issues []string
}

var (
	headingRe  = regexp.MustCompile(`(?m)^\s{0,3}#{2,3}\s+\S`)
	numberedRe = regexp.MustCompile(`(?m)^\s{0,3}(?:#{1,4}\s*)?\d+(?:\.\d+)*[.)]?\s+\S`)
)

// Assess scores text against req. Length, structure and coverage are pure
// functions of their inputs.
func (a Assessor) Assess(ctx context.Context, req domain.Requirement, text string) Assessment {
	section := a.Config.Section(req.Category)
	w := a.Config.Weights
	checks := []check{lengthCheck(text, section, w.Length)}
	if c, ok := structureCheck(text, section, w.Structure); ok {
		checks = append(checks, c)
	}
	if c, ok := coverageCheck(text, req.Keywords, w.Coverage); ok {
		checks = append(checks, c)
	}
	if c, ok := a.specificityCheck(ctx, req, text, w.Specificity); ok {
		checks = append(checks, c)
	}
	return combine(checks, a.Config.AcceptanceThreshold)
}

func combine(checks []check, threshold float64) Assessment {
	out := Assessment{Checks: map[string]float64{}}
	var sum, weights float64
	for _, c := range checks {
		out.Checks[c.name] = c.score
		out.Issues = append(out.Issues, c.issues...)
		sum += c.score * c.weight
		weights += c.weight
	}
	if weights > 0 {
		out.Score = sum / weights
	} else if len(checks) > 0 {
		for _, c := range checks {
			out.Score += c.score
		}
		out.Score /= float64(len(checks))
	}
	out.Accepted = out.Score >= threshold
	return out
}

// WordCount counts whitespace-separated words, ignoring markdown markers.
func WordCount(text string) int {
	n := 0
	for _, f := range strings.Fields(text) {
		if strings.Trim(f, "#*-|>_`") != "" {
			n++
		}
	}
	return n
}

func lengthCheck(text string, s config.SectionConfig, weight float64) check {
	c := check{name: "length", weight: weight, score: 1}
	n := WordCount(text)
	switch {
	case s.MinWords > 0 && n < s.MinWords:
		c.score = float64(n) / float64(s.MinWords)
		c.issues = append(c.issues, fmt.Sprintf("texte trop court : %d mots, attendu %d-%d", n, s.MinWords, s.MaxWords))
	case s.MaxWords > 0 && n > s.MaxWords:
		c.score = float64(s.MaxWords) / float64(n)
		c.issues = append(c.issues, fmt.Sprintf("texte trop long : %d mots, attendu %d-%d", n, s.MinWords, s.MaxWords))
	}
	return c
}

// structureCheck applies to long-form sections only: two or more H2/H3 or
// numbered subsection markers score 1, one scores 0.5.
func structureCheck(text string, s config.SectionConfig, weight float64) (check, bool) {
	if !s.LongForm {
		return check{}, false
	}
	c := check{name: "structure", weight: weight}
	markers := len(headingRe.FindAllString(text, -1))
	if numbered := len(numberedRe.FindAllString(text, -1)); numbered > markers {
		markers = numbered
	}
	switch {
	case markers >= 2:
		c.score = 1
	case markers == 1:
		c.score = 0.5
		c.issues = append(c.issues, "structure insuffisante : ajouter des sous-parties numérotées (titres H3)")
	default:
		c.issues = append(c.issues, "aucune sous-partie : structurer avec un titre H2 et des sous-titres H3 numérotés")
	}
	return c, true
}

func coverageCheck(text string, keywords []string, weight float64) (check, bool) {
	var kws []string
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			kws = append(kws, kw)
		}
	}
	if len(kws) == 0 {
		return check{}, false
	}
	c := check{name: "coverage", weight: weight}
	var missing []string
	for _, kw := range kws {
		if !textnorm.Contains(text, kw) {
			missing = append(missing, kw)
		}
	}
	c.score = float64(len(kws)-len(missing)) / float64(len(kws))
	if len(missing) > 0 {
		c.issues = append(c.issues, "mots-clés manquants : "+strings.Join(missing, ", "))
	}
	return c, true
}

func (a Assessor) specificityCheck(ctx context.Context, req domain.Requirement, text string, weight float64) (check, bool) {
	if a.Specificity == nil || weight <= 0 {
		return check{}, false
	}
	if a.SpecificityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.SpecificityTimeout)
		defer cancel()
	}
	score, err := a.Specificity.Specificity(ctx, req, text)
	if err != nil || score < 0 || score > 1 {
		return check{}, false
	}
	c := check{name: "specificity", weight: weight, score: score}
	if score < 0.5 {
		c.issues = append(c.issues, "contenu trop générique : citer des éléments propres au projet")
	}
	return c, true
}
