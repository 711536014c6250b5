package session

import (
	"strings"

	"github.com/zapboard/session-server/internal/audit"
	"github.com/zapboard/session-server/internal/util"
)

// Promotional keyword heuristics for policy-risk content. Advisory only:
// a flagged message is never blocked.
var promotionalKeywords = []string{
	"promoção", "promocao", "desconto", "oferta", "grátis", "gratis",
	"imperdível", "imperdivel", "clique aqui", "compre agora",
	"promotion", "discount", "free", "click here", "buy now", "limited offer",
}

// ComplianceResult is the advisory report for a prospective send.
type ComplianceResult struct {
	Compliant bool     `json:"compliant"`
	Warnings  []string `json:"warnings"`
}

// ComplianceCheck runs the advisory policy heuristics for a tenant: content
// flags on the message plus the tenant's rate-limit standing. It never
// blocks the actual send.
func (m *Manager) ComplianceCheck(tenantID int64, phone, message string) (*ComplianceResult, error) {
	if _, err := util.CheckTenantID(tenantID); err != nil {
		return nil, err
	}
	if phone != "" {
		if _, err := util.ValidatePhoneNumber(phone); err != nil {
			return nil, err
		}
	}

	warnings := []string{}

	if message != "" {
		lowered := strings.ToLower(message)
		for _, keyword := range promotionalKeywords {
			if strings.Contains(lowered, keyword) {
				warnings = append(warnings, "message contains promotional content: \""+keyword+"\"")
			}
		}
		if len([]rune(message)) > 1000 {
			warnings = append(warnings, "long messages increase block risk")
		}
	}

	if m.limiter.Remaining(tenantID) == 0 {
		warnings = append(warnings, "tenant is at its rate limit for the current window")
	}

	if len(warnings) > 0 {
		audit.Log(audit.Event{
			Type:     audit.EventComplianceFlag,
			TenantID: tenantID,
			Details:  map[string]interface{}{"warnings": len(warnings)},
		})
	}

	return &ComplianceResult{
		Compliant: len(warnings) == 0,
		Warnings:  warnings,
	}, nil
}
