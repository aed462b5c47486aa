package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GovernanceProfile is a named deployment profile: who may sign, who
// may vote, and how disputes resolve.
type GovernanceProfile struct {
	Name        string            `yaml:"name" json:"name"`
	Code        string            `yaml:"code" json:"code"`
	Signers     []SignerConfig    `yaml:"signers" json:"signers"`
	Roster      []VoterConfig     `yaml:"roster" json:"roster"`
	TrialPolicy TrialPolicyConfig `yaml:"trial_policy" json:"trial_policy"`
}

// SignerConfig declares one dual-key identity by its public halves.
type SignerConfig struct {
	SignerID      string `yaml:"signer_id" json:"signer_id"`
	PrimaryKey    string `yaml:"primary_key" json:"primary_key"`
	SecondaryKey  string `yaml:"secondary_key" json:"secondary_key"`
	PrimaryTier   string `yaml:"primary_tier" json:"primary_tier"`
	SecondaryTier string `yaml:"secondary_tier" json:"secondary_tier"`
}

// VoterConfig declares one consensus participant.
type VoterConfig struct {
	ID         string `yaml:"id" json:"id"`
	Weight     int    `yaml:"weight,omitempty" json:"weight,omitempty"`
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// TrialPolicyConfig tunes dispute resolution for the profile.
type TrialPolicyConfig struct {
	Window time.Duration `yaml:"window" json:"window"`

	// DefaultOutcome applies on deadlock: "ADMIT" or "REJECT".
	DefaultOutcome string `yaml:"default_outcome" json:"default_outcome"`

	// Revision names the participant revision policy between trials:
	// "keep_all" (default) or "drop_non_voters".
	Revision string `yaml:"revision,omitempty" json:"revision,omitempty"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*GovernanceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}
	return parseProfile(data, code)
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// profile code.
func LoadAllProfiles(profilesDir string) (map[string]*GovernanceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}

	profiles := make(map[string]*GovernanceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		code := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "profile_"), ".yaml")
		profile, err := parseProfile(data, code)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		profiles[profile.Code] = profile
	}
	return profiles, nil
}

func parseProfile(data []byte, code string) (*GovernanceProfile, error) {
	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if profile.TrialPolicy.DefaultOutcome == "" {
		// Admission disputes reject by default; a profile must opt in
		// to anything laxer.
		profile.TrialPolicy.DefaultOutcome = "REJECT"
	}
	if err := validateProfile(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func validateProfile(p *GovernanceProfile) error {
	switch p.TrialPolicy.DefaultOutcome {
	case "ADMIT", "REJECT":
	default:
		return fmt.Errorf("profile %q: unknown default_outcome %q", p.Code, p.TrialPolicy.DefaultOutcome)
	}
	switch p.TrialPolicy.Revision {
	case "", "keep_all", "drop_non_voters":
	default:
		return fmt.Errorf("profile %q: unknown revision policy %q", p.Code, p.TrialPolicy.Revision)
	}
	seen := make(map[string]bool, len(p.Roster))
	for _, v := range p.Roster {
		if v.ID == "" {
			return fmt.Errorf("profile %q: roster entry missing id", p.Code)
		}
		if seen[v.ID] {
			return fmt.Errorf("profile %q: duplicate roster id %q", p.Code, v.ID)
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			return fmt.Errorf("profile %q: roster id %q has negative weight", p.Code, v.ID)
		}
	}
	return nil
}
