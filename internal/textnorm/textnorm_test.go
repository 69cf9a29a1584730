package textnorm

import "testing"

func TestFold(t *testing.T) {
	if got := Fold("Sécurité et Santé"); got != "securite et sante" {
		t.Fatalf("Fold = %q", got)
	}
}

func TestTokensDropsStopwords(t *testing.T) {
	got := Tokens("Plan de la sécurité, PPSPS!")
	want := []string{"plan", "securite", "ppsps"}
	if len(got) != len(want) {
		t.Fatalf("Tokens = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokens = %v, want %v", got, want)
		}
	}
}

func TestContainsIsStemTolerant(t *testing.T) {
	text := "Nos équipes appliquent des mesures de prévention rigoureuses sur chaque chantier."
	cases := map[string]bool{
		"Prévention":       true,
		"mesure":           true,
		"équipe":           true,
		"chantiers":        true,
		"mesures chantier": true,
		"déchets":          false,
		"planning":         false,
	}
	for kw, want := range cases {
		if got := Contains(text, kw); got != want {
			t.Errorf("Contains(%q) = %v, want %v", kw, got, want)
		}
	}
}
