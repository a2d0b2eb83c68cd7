package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/systmms/credrotate/internal/model"
)

// Checksum returns the hex sha256 of the record's canonical projection.
// Only the fields listed in checksumFields participate, so details,
// severity and the assigned sequence can be stored without affecting it.
func Checksum(r *model.AuditRecord) (string, error) {
	raw, err := canonicalMarshal(checksumFields(r))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func checksumFields(r *model.AuditRecord) map[string]any {
	return map[string]any{
		"timestamp":  r.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type": string(r.EventType),
		"action":     r.Action,
		"result":     string(r.Result),
		"actor": map[string]any{
			"user_id":             r.Actor.UserID,
			"service_identity_id": r.Actor.ServiceIdentityID,
			"principal_name":      r.Actor.PrincipalName,
		},
		"target_resource_type": r.Target.ResourceType,
		"target_resource_id":   r.Target.ResourceID,
		"description":          r.Description,
		"source_ip":            r.SourceIP,
	}
}

// nonUTF8Field names the first checksummed string that is not valid UTF-8.
// JSON encodes such bytes as U+FFFD, so two different values would share a
// checksum.
func nonUTF8Field(r *model.AuditRecord) string {
	fields := []struct{ name, value string }{
		{"event_type", string(r.EventType)},
		{"action", r.Action},
		{"result", string(r.Result)},
		{"actor.user_id", r.Actor.UserID},
		{"actor.service_identity_id", r.Actor.ServiceIdentityID},
		{"actor.principal_name", r.Actor.PrincipalName},
		{"target.resource_type", r.Target.ResourceType},
		{"target.resource_id", r.Target.ResourceID},
		{"description", r.Description},
		{"source_ip", r.SourceIP},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return f.name
		}
	}
	return ""
}

// canonicalMarshal produces JSON with lexicographically sorted keys and no
// whitespace.
func canonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(raw)
	}
	return nil
}
