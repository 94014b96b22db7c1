// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/verdant-foundation/verdant/lib/crypt"
)

// jobPayload is the union of the two job document forms the cloud
// delivers on the notify-next topic.
type jobPayload struct {
	// Manifest is the enforced form: a full signed manifest object.
	Manifest json.RawMessage `json:"manifest"`

	// Legacy form: a URL plus a signature over the URL string. The
	// scheme signs the location, not the image, and is refused
	// unless the compatibility flag is set.
	JobID     string `json:"jobId"`
	OTAURL    string `json:"ota_url"`
	Signature string `json:"signature"`
}

// HandleJobPayload processes one jobs-topic message body.
func (c *Client) HandleJobPayload(payload []byte) error {
	var job jobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("cloud: job payload not JSON: %w", err)
	}

	if len(job.Manifest) > 0 {
		c.audit("cloud job: manifest received")
		return c.Updates.Submit(job.Manifest)
	}

	if job.OTAURL == "" || job.Signature == "" || job.JobID == "" {
		return fmt.Errorf("cloud: job payload missing required fields")
	}
	if !c.Config.AllowLegacyJobs {
		c.audit("cloud job %s: legacy ota_url form rejected", job.JobID)
		return ErrLegacyJobRejected
	}
	return c.handleLegacyJob(job)
}

// handleLegacyJob verifies the URL signature with the trust-root
// device certificate and forwards a synthesized manifest. The
// synthesized manifest carries no digest or image signature, so the
// update pipeline's own validation rejects it unless a manifest is
// fetched out of band; the verification here only authenticates the
// job notification itself.
func (c *Client) handleLegacyJob(job jobPayload) error {
	if c.Root == nil || len(c.Root.DeviceCert) == 0 {
		return fmt.Errorf("cloud: no device certificate to verify legacy job")
	}
	cert, err := crypt.ParseCertificate(c.Root.DeviceCert)
	if err != nil {
		return fmt.Errorf("cloud: device certificate: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(job.Signature)
	if err != nil {
		return fmt.Errorf("cloud: legacy job signature base64: %w", err)
	}
	urlDigest := sha256.Sum256([]byte(job.OTAURL))
	if err := crypt.VerifyDigestSignature(cert, urlDigest[:], signature); err != nil {
		c.audit("cloud job %s: legacy signature verification failed", job.JobID)
		return fmt.Errorf("cloud: legacy job signature: %w", err)
	}

	c.audit("cloud job %s: legacy ota_url accepted (compatibility mode)", job.JobID)
	synthesized, err := json.Marshal(map[string]any{"url": job.OTAURL})
	if err != nil {
		return err
	}
	return c.Updates.Submit(synthesized)
}

func (c *Client) audit(format string, args ...any) {
	if c.Audit != nil {
		c.Audit(format, args...)
	}
}
