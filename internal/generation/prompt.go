package generation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"tenderline/internal/config"
	"tenderline/internal/domain"
)

// Reference is a retrieved library excerpt offered to the model.
type Reference struct {
	ItemID     string
	Title      string
	Body       string
	Similarity float64
}

// PromptInput is everything a prompt is built from.
type PromptInput struct {
	ProjectName  string
	RCContext    string
	Requirement  domain.Requirement
	Section      config.SectionConfig
	Matched      []domain.ContentItem
	References   []Reference
	Improvements []string
	Instructions string
}

const systemPrompt = "Tu es un expert en rédaction de mémoires techniques pour le BTP (Bâtiment et Travaux Publics)."

var userTemplate = template.Must(template.New("section").Funcs(template.FuncMap{
	"inc":     func(i int) int { return i + 1 },
	"sim":     func(f float64) string { return fmt.Sprintf("%.2f", f) },
	"keyword": func(kw []string) string { return strings.Join(kw, ", ") },
}).Parse(`{{if .ProjectName}}**Projet :** {{.ProjectName}}

{{end}}**Contexte du projet (extrait du Règlement de Consultation) :**
{{if .RCContext}}{{.RCContext}}{{else}}Projet de construction (contexte non disponible){{end}}

**Exigence à traiter :** {{.Requirement.Title}}
{{- if .Requirement.Description}}
{{.Requirement.Description}}
{{- end}}
{{- if .Requirement.Keywords}}
Mots-clés à couvrir : {{keyword .Requirement.Keywords}}
{{- end}}

**Type de section à générer :** {{.Section.Description}}
{{if .Matched}}
**Contenu de la bibliothèque retenu pour cette exigence :**
{{range .Matched}}
### {{.Title}}
{{.Body}}
{{end}}{{end}}
**Contenu de référence (extraits de mémoires similaires) :**
{{if .References}}{{range $i, $r := .References}}{{if $i}}
---
{{end}}
Extrait de référence {{inc $i}} (similarité: {{sim $r.Similarity}}, source: {{$r.Title}}):
{{$r.Body}}
{{end}}{{else}}Aucune référence disponible. Génère du contenu basé sur les meilleures pratiques du BTP.
{{end}}
**Instructions :**
1. Génère une section professionnelle de mémoire technique
2. Réutilise les informations factuelles des références (chiffres, méthodes, équipements, certifications)
3. Adapte le contenu au contexte spécifique du projet
4. Utilise un ton professionnel mais accessible
5. Privilégie les tableaux aux longues listes quand c'est pertinent
6. {{if .Section.LongForm}}Structure : titre H2, sous-titres H3 numérotés, paragraphes clairs{{else}}Structure : titre H2 puis liste à puces concise{{end}}
7. Utilise des bullet points pour les listes d'éléments
{{if .Improvements}}
**Améliorations demandées par rapport à la version précédente :**
{{range .Improvements}}- {{.}}
{{end}}{{end}}
{{- if .Instructions}}
**Consignes de l'utilisateur :**
{{.Instructions}}
{{end}}
**Contraintes :**
- Format : Markdown
- Longueur : {{.Section.MinWords}}-{{.Section.MaxWords}} mots
- Ne pas inventer de données chiffrées, utiliser uniquement les références
- Si une information n'est pas dans les références, reste générique et professionnel

Génère maintenant la section :`))

// BuildPrompt renders the section prompt. References are ordered by
// similarity and truncated to k.
func BuildPrompt(in PromptInput, k int) (string, error) {
	refs := append([]Reference(nil), in.References...)
	sortReferences(refs)
	if k > 0 && len(refs) > k {
		refs = refs[:k]
	}
	in.References = refs
	var b strings.Builder
	if err := userTemplate.Execute(&b, in); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

const (
	rcSampleChars = 3000
	rcMaxTokens   = 500
)

// SummarizeRC asks the service for the main evaluation criteria of a
// règlement de consultation. Only the first 3000 characters are sent.
func SummarizeRC(ctx context.Context, s Service, model, rcText string) (string, error) {
	sample := []rune(strings.TrimSpace(rcText))
	if len(sample) == 0 {
		return "", nil
	}
	if len(sample) > rcSampleChars {
		sample = sample[:rcSampleChars]
	}
	comp, err := s.Generate(ctx, Prompt{
		User: "Analyse ce Règlement de Consultation et extrait les critères d'évaluation principaux du mémoire technique.\n\n" +
			"RC :\n" + string(sample) + "\n\n" +
			"Liste uniquement les 5-7 critères les plus importants, de manière concise.",
		Model:     model,
		MaxTokens: rcMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize rc: %w", err)
	}
	return strings.TrimSpace(comp.Text), nil
}

func sortReferences(refs []Reference) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Similarity != refs[j].Similarity {
			return refs[i].Similarity > refs[j].Similarity
		}
		return refs[i].ItemID < refs[j].ItemID
	})
}
