package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// PlanType is the billing mode of a caller.
//
// Solo is bring-your-own-key: the caller pays the upstream provider directly.
// Pro is platform-billed: usage is priced and recorded locally.
type PlanType string

const (
	PlanSolo PlanType = "solo"
	PlanPro  PlanType = "pro"
)

var ErrInvalidPlan = errors.New("invalid plan type")

// GetPlanType resolves the plan for a caller. An explicit plan always wins;
// otherwise holding a credential means solo and having none means pro.
func GetPlanType(credential string, explicit PlanType) PlanType {
	if explicit != "" {
		return explicit
	}
	if credential != "" {
		return PlanSolo
	}
	return PlanPro
}

func IsSoloPlan(p PlanType) bool { return p == PlanSolo }

func IsProPlan(p PlanType) bool { return p == PlanPro }

// ParsePlanType validates a plan coming from a header or the environment.
// An empty string means no explicit plan.
func ParsePlanType(s string) (PlanType, error) {
	switch p := PlanType(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PlanSolo, PlanPro:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, s)
	}
}
