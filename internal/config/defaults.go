package config

import "custodia.org/internal/incident"

// Default returns a Config with the shipped policy: conservative limits,
// a 72-hour breach window, and a baseline threshold set that catches the
// access patterns every deployment cares about.
func Default() *Config {
	return &Config{
		HTTPAddr:     ":8080",
		RatePerSec:   50,
		RateBurst:    100,
		MaxBodyBytes: 1 << 20,

		ExportCap:        100_000,
		RedactionKeys:    []string{"reason", "diagnosis", "notes"},
		BreachWindowHrs:  72,
		SweepIntervalSec: 60,

		Thresholds: []incident.Threshold{
			{
				Name:     "repeated-denials",
				Severity: incident.SeverityWarning,
				Category: "unauthorized-access",
				Message:  "repeated authorization denials",
				Match:    incident.Matcher{EventType: "auth.denied"},
			},
			{
				Name:     "denial-on-phi",
				Severity: incident.SeverityCritical,
				Category: "phi-exposure",
				Message:  "denied access attempt against patient records",
				Match: incident.Matcher{
					EventType:      "auth.denied",
					MetadataEquals: map[string]string{"resource": "patient_record"},
				},
			},
			{
				Name:     "export-spike",
				Severity: incident.SeverityError,
				Category: "data-exfiltration",
				Message:  "unusually large audit export",
				Match:    incident.Matcher{EventType: "audit.export.large"},
			},
		},
		Escalation: map[string][]string{
			string(incident.SeverityCritical): {"security-oncall", "ciso"},
			string(incident.SeverityError):    {"security-oncall"},
		},
	}
}
