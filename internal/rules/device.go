package rules

import (
	"encoding/json"
	"strings"

	"github.com/mileusna/useragent"
)

// DeviceRule matches visitors by device category parsed from the User-Agent
// header.
//
// Categories are checked in a fixed priority: mobile, then tablet, then
// desktop. The flag of the first category the agent falls into decides the
// match; an unparseable or unknown agent never matches.
type DeviceRule struct {
	Mobile  bool `json:"mobile"`
	Tablet  bool `json:"tablet"`
	Desktop bool `json:"desktop"`
}

func decodeDeviceRule(params json.RawMessage) (Rule, error) {
	var r DeviceRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Kind implements Rule.
func (r *DeviceRule) Kind() string { return KindDevice }

// Static implements Rule.
func (r *DeviceRule) Static() bool { return false }

// Match classifies the user agent and returns the matching category flag.
func (r *DeviceRule) Match(ctx *Context) bool {
	if ctx.UserAgent == "" {
		return false
	}

	ua := useragent.Parse(ctx.UserAgent)
	switch {
	case ua.Mobile:
		return r.Mobile
	case ua.Tablet:
		return r.Tablet
	case ua.Desktop:
		return r.Desktop
	}
	return false
}

// Description implements Rule.
func (r *DeviceRule) Description() Description {
	devices := make([]string, 0, 3)
	if r.Mobile {
		devices = append(devices, "mobile")
	}
	if r.Tablet {
		devices = append(devices, "tablet")
	}
	if r.Desktop {
		devices = append(devices, "desktop")
	}

	return Description{
		Title: "These users visit with one of the following devices",
		Value: strings.Join(devices, ", "),
	}
}
