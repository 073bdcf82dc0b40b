package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/errors"
)

// ConnectionString holds the parts of a device connection string:
// HostName=example.azure-devices.net;DeviceId=dev1;SharedAccessKey=base64.
type ConnectionString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string

	key []byte
}

// ReadConnectionString loads and parses the connection string stored in path.
func ReadConnectionString(path string) (ConnectionString, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ConnectionString{}, errors.New().Wrap(errors.ErrReadCredential, err)
	}

	return ParseConnectionString(string(b))
}

// ParseConnectionString parses a semicolon separated Key=Value list. Keys
// are case-insensitive.
func ParseConnectionString(s string) (ConnectionString, error) {
	errFactory := errors.New()

	settings := make(map[string]string)
	s = strings.TrimSuffix(strings.TrimSpace(s), ";")
	for _, param := range strings.Split(s, ";") {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) == 2 {
			settings[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
		}
	}

	if _, ok := settings["moduleid"]; ok {
		return ConnectionString{}, errFactory.WithData(errors.ErrInvalidCredential, "module identities are not supported")
	}

	cs := ConnectionString{
		HostName:        settings["hostname"],
		DeviceID:        settings["deviceid"],
		SharedAccessKey: settings["sharedaccesskey"],
	}

	for _, required := range [...]struct{ name, value string }{
		{"HostName", cs.HostName},
		{"DeviceId", cs.DeviceID},
		{"SharedAccessKey", cs.SharedAccessKey},
	} {
		if required.value == "" {
			return ConnectionString{}, errFactory.WithData(errors.ErrInvalidCredential, required.name+" must not be empty")
		}
	}

	key, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey)
	if err != nil {
		return ConnectionString{}, errFactory.Wrap(errors.ErrInvalidCredential, err)
	}
	cs.key = key

	return cs, nil
}

// ResourceURI is the scope the SAS token grants access to.
func (cs ConnectionString) ResourceURI() string {
	return cs.HostName + "/devices/" + cs.DeviceID
}

// SASToken returns a SharedAccessSignature valid until expiry.
func (cs ConnectionString) SASToken(expiry time.Time) string {
	sr := url.QueryEscape(cs.ResourceURI())
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, cs.key)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
}

// Username is the MQTT user name IoT Hub expects for device connections.
func (cs ConnectionString) Username() string {
	return cs.HostName + "/" + cs.DeviceID + "/?api-version=" + apiVersion
}
