// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import "encoding/json"

// ReportedState is the shadow's reported block: the long-lived device
// state the cloud mirrors.
type ReportedState struct {
	LightPercent uint8  `json:"light_pct"`
	PumpPercent  uint8  `json:"pump_pct"`
	ScheduleOn   string `json:"schedule_on,omitempty"`
	ScheduleOff  string `json:"schedule_off,omitempty"`
	Timezone     string `json:"tz,omitempty"`

	FirmwareVersion  uint32 `json:"fw_version"`
	LastUpdateStatus string `json:"last_update_status,omitempty"`

	// LastCommissioned is the Unix time provisioning last
	// completed, zero when never.
	LastCommissioned int64 `json:"last_commissioned,omitempty"`
}

// shadowDocument is the update-topic envelope.
type shadowDocument struct {
	State struct {
		Reported ReportedState `json:"reported"`
	} `json:"state"`
}

// PublishShadow reports device state through the shadow update topic.
func (c *Client) PublishShadow(reported ReportedState) error {
	var document shadowDocument
	document.State.Reported = reported
	payload, err := json.Marshal(document)
	if err != nil {
		return err
	}
	return c.publish(c.shadowTopic(), payload)
}
