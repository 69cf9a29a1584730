package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Config models tenderline.yml.
type Config struct {
	Project struct {
		ID        string `yaml:"id"`
		CompanyID string `yaml:"company_id"`
	} `yaml:"project"`
	Matching   MatchingConfig   `yaml:"matching"`
	Generation GenerationConfig `yaml:"generation"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
}

type MatchingConfig struct {
	TopN                  int         `yaml:"top_n"`
	RuleFloor             float64     `yaml:"rule_floor"`
	SemanticCap           float64     `yaml:"semantic_cap"`
	SemanticMinSimilarity float64     `yaml:"semantic_min_similarity"`
	GenerationThreshold   float64     `yaml:"generation_threshold"`
	TemplateTypes         []string    `yaml:"template_types"`
	Rules                 []MatchRule `yaml:"rules"`
}

// MatchRule maps a requirement key (or keyword set) to eligible library content.
type MatchRule struct {
	Key          string   `yaml:"key"`
	Aliases      []string `yaml:"aliases"`
	Keywords     []string `yaml:"keywords"`
	ContentType  string   `yaml:"content_type"`
	RequiredTags []string `yaml:"required_tags"`
	Confidence   float64  `yaml:"confidence"`
	NeedsUpload  bool     `yaml:"needs_upload"`
}

type GenerationConfig struct {
	Model               string                   `yaml:"model"`
	MaxAttempts         int                      `yaml:"max_attempts"`
	ContextK            int                      `yaml:"context_k"`
	MaxTokens           int                      `yaml:"max_tokens"`
	AcceptanceThreshold float64                  `yaml:"acceptance_threshold"`
	Weights             QualityWeights           `yaml:"weights"`
	DefaultSection      SectionConfig            `yaml:"default_section"`
	Sections            map[string]SectionConfig `yaml:"sections"`
}

type QualityWeights struct {
	Length      float64 `yaml:"length"`
	Structure   float64 `yaml:"structure"`
	Coverage    float64 `yaml:"coverage"`
	Specificity float64 `yaml:"specificity"`
}

// SectionConfig describes one section type of the output document.
type SectionConfig struct {
	Description string `yaml:"description"`
	MinWords    int    `yaml:"min_words"`
	MaxWords    int    `yaml:"max_words"`
	LongForm    bool   `yaml:"long_form"`
}

type WorkflowConfig struct {
	WorkerPool int            `yaml:"worker_pool"`
	Timeouts   TimeoutsConfig `yaml:"timeouts"`
	Retry      RetryConfig    `yaml:"retry"`
}

type TimeoutsConfig struct {
	Extraction time.Duration `yaml:"extraction"`
	Semantic   time.Duration `yaml:"semantic"`
	Generation time.Duration `yaml:"generation"`
	Assembly   time.Duration `yaml:"assembly"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Section returns the section config for a category, falling back to the default section.
func (g GenerationConfig) Section(category string) SectionConfig {
	if s, ok := g.Sections[NormalizeKey(category)]; ok {
		if s.MinWords == 0 {
			s.MinWords = g.DefaultSection.MinWords
		}
		if s.MaxWords == 0 {
			s.MaxWords = g.DefaultSection.MaxWords
		}
		return s
	}
	s := g.DefaultSection
	if category != "" && s.Description == "" {
		s.Description = cases.Title(language.French).String(strings.ReplaceAll(category, "_", " "))
	}
	return s
}

// NormalizeKey lowercases and collapses separators so rule keys compare stably.
func NormalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	m := c.Matching
	if m.TopN <= 0 {
		return fmt.Errorf("config.matching.top_n must be positive")
	}
	for name, v := range map[string]float64{
		"rule_floor":              m.RuleFloor,
		"semantic_cap":            m.SemanticCap,
		"semantic_min_similarity": m.SemanticMinSimilarity,
		"generation_threshold":    m.GenerationThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.matching.%s must be within [0,1]", name)
		}
	}
	seen := map[string]bool{}
	for i, r := range m.Rules {
		key := NormalizeKey(r.Key)
		if key == "" {
			return fmt.Errorf("config.matching.rules[%d] has empty key", i)
		}
		if seen[key] {
			return fmt.Errorf("config.matching.rules has duplicate key %s", key)
		}
		seen[key] = true
		if r.ContentType == "" && !r.NeedsUpload {
			return fmt.Errorf("rule %s requires content_type", key)
		}
		if r.Confidence < 0.6 || r.Confidence > 0.95 {
			return fmt.Errorf("rule %s confidence must be within [0.6,0.95]", key)
		}
		for _, tag := range r.RequiredTags {
			if strings.TrimSpace(tag) == "" {
				return fmt.Errorf("rule %s has empty required tag", key)
			}
		}
	}
	g := c.Generation
	if g.MaxAttempts <= 0 {
		return fmt.Errorf("config.generation.max_attempts must be positive")
	}
	if g.ContextK < 0 {
		return fmt.Errorf("config.generation.context_k must not be negative")
	}
	if g.AcceptanceThreshold < 0 || g.AcceptanceThreshold > 1 {
		return fmt.Errorf("config.generation.acceptance_threshold must be within [0,1]")
	}
	w := g.Weights
	if w.Length < 0 || w.Structure < 0 || w.Coverage < 0 || w.Specificity < 0 {
		return fmt.Errorf("config.generation.weights must not be negative")
	}
	if w.Length+w.Structure+w.Coverage == 0 {
		return fmt.Errorf("config.generation.weights must give weight to at least one deterministic check")
	}
	for name, s := range g.Sections {
		if s.MinWords > 0 && s.MaxWords > 0 && s.MinWords > s.MaxWords {
			return fmt.Errorf("section %s has min_words above max_words", name)
		}
	}
	if c.Workflow.WorkerPool <= 0 {
		return fmt.Errorf("config.workflow.worker_pool must be positive")
	}
	if c.Workflow.Retry.Attempts <= 0 {
		return fmt.Errorf("config.workflow.retry.attempts must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tenderline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
// It panics if the built-in template does not decode.
func Default(projectID string) *Config {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, "default")))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		panic(fmt.Sprintf("config: decode default template: %v", err))
	}
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ForProject decodes YAML over the defaults of projectID. The result is not
// validated; the project id always wins over the document's.
func ForProject(projectID string, data []byte) (*Config, error) {
	cfg := Default(projectID)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Project.ID = projectID
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `project:
  id: %s
  company_id: default-company

matching:
  top_n: 5
  rule_floor: 0.8
  semantic_cap: 0.85
  semantic_min_similarity: 0.3
  generation_threshold: 0.5
  template_types: [template]
  rules:
    - key: presentation
      aliases: [company_presentation, presentation_entreprise]
      keywords: [entreprise, historique, certifications, references]
      content_type: company-profile
      required_tags: [presentation, company]
      confidence: 0.9
    - key: organisation
      aliases: [organisation_chantier, site_organisation]
      keywords: [chantier, logistique, installation]
      content_type: site-organisation
      required_tags: [organisation, chantier]
      confidence: 0.85
    - key: methodologie
      aliases: [methodology, methode]
      keywords: [phasage, techniques, methode]
      content_type: method-statement
      required_tags: [methodologie, methode]
      confidence: 0.8
    - key: moyens_humains
      aliases: [staffing, human_resources]
      keywords: [organigramme, effectifs, equipe]
      content_type: staffing
      required_tags: [moyens_humains, equipe]
      confidence: 0.85
    - key: moyens_materiels
      aliases: [equipment, materiel]
      keywords: [equipements, materiel, engins]
      content_type: equipment
      required_tags: [moyens_materiels, materiel]
      confidence: 0.85
    - key: planning
      aliases: [schedule, calendrier]
      keywords: [gantt, delais, calendrier]
      content_type: schedule
      required_tags: [planning]
      confidence: 0.7
      needs_upload: true
    - key: environnement
      aliases: [environment, rse]
      keywords: [dechets, rse, environnement]
      content_type: environmental-policy
      required_tags: [environnement, rse]
      confidence: 0.85
    - key: securite
      aliases: [safety, sante_securite]
      keywords: [ppsps, prevention, securite, safety]
      content_type: safety-plan
      required_tags: [securite, safety]
      confidence: 0.85
    - key: insertion
      aliases: [social_insertion]
      keywords: [insertion, heures]
      content_type: social-insertion
      required_tags: [insertion]
      confidence: 0.8

generation:
  model: claude-sonnet-4-20250514
  max_attempts: 3
  context_k: 5
  max_tokens: 4096
  acceptance_threshold: 0.7
  weights:
    length: 1
    structure: 1
    coverage: 1
    specificity: 1
  default_section:
    min_words: 500
    max_words: 1000
    long_form: true
  sections:
    presentation:
      description: "Présentation de l'entreprise (historique, chiffres clés, certifications)"
      long_form: true
    organisation:
      description: "Organisation du chantier (PIC, moyens, logistique)"
      long_form: true
    methodologie:
      description: "Méthodologie de réalisation (phasage, techniques)"
      long_form: true
    moyens_humains:
      description: "Moyens humains (organigramme, effectifs)"
      min_words: 200
      max_words: 800
      long_form: false
    moyens_materiels:
      description: "Moyens matériels (liste équipements, capacités)"
      min_words: 150
      max_words: 700
      long_form: false
    planning:
      description: "Planning prévisionnel (Gantt, délais)"
      min_words: 150
      max_words: 600
      long_form: false
    environnement:
      description: "Démarche environnementale (RSE, gestion des déchets)"
      long_form: true
    securite:
      description: "Sécurité et santé (PPSPS, mesures de prévention)"
      long_form: true
    insertion:
      description: "Insertion sociale (heures d'insertion prévues)"
      min_words: 150
      max_words: 600
      long_form: false

workflow:
  worker_pool: 8
  timeouts:
    extraction: 60s
    semantic: 10s
    generation: 90s
    assembly: 120s
  retry:
    attempts: 3
    base: 2s
    max: 30s
`
