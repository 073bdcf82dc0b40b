package iothub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/telemetry"
)

const (
	apiVersion = "2021-04-12"

	twinResponsePrefix = "$iothub/twin/res/"
	twinDesiredPrefix  = "$iothub/twin/PATCH/properties/desired/"
	twinGetTopic       = "$iothub/twin/GET/"
	twinReportedTopic  = "$iothub/twin/PATCH/properties/reported/"

	twinResponseFilter = twinResponsePrefix + "#"
	twinDesiredFilter  = twinDesiredPrefix + "#"
)

// telemetryTopic is the device-to-cloud topic with the content type
// properties IoT Hub message routing needs to inspect JSON bodies.
func telemetryTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/events/$.ct=%s&$.ce=%s",
		deviceID, url.QueryEscape(telemetry.ContentType), url.QueryEscape(telemetry.ContentEncoding))
}

func requestTopic(base, rid string) string {
	return base + "?$rid=" + rid
}

type twinResponse struct {
	status  int
	version string
	body    []byte
}

// parseResponseTopic splits $iothub/twin/res/{status}/?$rid={rid}&$version={v}.
func parseResponseTopic(topic string) (status int, rid, version string, err error) {
	rest := strings.TrimPrefix(topic, twinResponsePrefix)
	statusPart, query, ok := strings.Cut(rest, "/?")
	if !ok {
		return 0, "", "", fmt.Errorf("malformed twin response topic %q", topic)
	}

	status, err = strconv.Atoi(statusPart)
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed twin response status %q", statusPart)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", "", err
	}

	rid = values.Get("$rid")
	if rid == "" {
		return 0, "", "", fmt.Errorf("twin response without request id %q", topic)
	}

	return status, rid, values.Get("$version"), nil
}

// decodeTwin extracts the desired section of a full twin document.
func decodeTwin(body []byte) (map[string]string, error) {
	var doc struct {
		Desired map[string]json.RawMessage `json:"desired"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.New().Wrap(errors.ErrTwinDecode, err)
	}

	return flatten(doc.Desired)
}

// decodePatch parses a desired properties patch.
func decodePatch(body []byte) (map[string]string, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		return nil, errors.New().Wrap(errors.ErrTwinDecode, err)
	}

	return flatten(patch)
}

// flatten converts property values to strings: JSON strings lose their
// quotes, null becomes empty, everything else keeps its compact JSON form.
// Metadata keys starting with '$' are dropped.
func flatten(props map[string]json.RawMessage) (map[string]string, error) {
	out := make(map[string]string, len(props))

	for k, raw := range props {
		if strings.HasPrefix(k, "$") {
			continue
		}

		raw = bytes.TrimSpace(raw)
		switch {
		case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
			out[k] = ""
		case raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, errors.New().Wrap(errors.ErrTwinDecode, err)
			}
			out[k] = s
		default:
			var buf bytes.Buffer
			if err := json.Compact(&buf, raw); err != nil {
				return nil, errors.New().Wrap(errors.ErrTwinDecode, err)
			}
			out[k] = buf.String()
		}
	}

	return out, nil
}
