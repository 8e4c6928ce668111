package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// configuratorUser is the basic-auth user the device accepts for PIN exchange.
const configuratorUser = "web-configurator"

// ErrUnauthorized is returned when the device rejects the current credential.
var ErrUnauthorized = errors.New("device rejected credentials")

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found on device")

// HTTPError carries a non-2xx device response with its error payload.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("device api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is the REST client for a single device.
type Client struct {
	base string
	http *http.Client

	mu     sync.RWMutex
	apiKey string
}

// NewClient builds a client for the device at host. An override URL, when
// set, replaces the derived endpoint entirely.
func NewClient(host, override string) *Client {
	return &Client{
		base: NormalizeEndpoint(host, override),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// NormalizeEndpoint derives the REST base URL from a host or override URL.
func NormalizeEndpoint(host, override string) string {
	base := override
	if base == "" {
		base = host
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	return base + "/"
}

// Endpoint returns the resolved REST base URL.
func (c *Client) Endpoint() string { return c.base }

// WSEndpoint returns the device push channel URL for this client.
func (c *Client) WSEndpoint() string {
	u, err := url.Parse(c.base)
	if err != nil {
		return ""
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host)
}

// SetAPIKey installs the bearer credential used for all subsequent calls.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

// APIKey returns the current bearer credential.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

func (c *Client) url(path string) string { return c.base + path }

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		apiErr := &HTTPError{StatusCode: resp.StatusCode}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ---- authentication ----

// APIKey is a device-issued credential record. The Key value is only present
// in the creation response.
type APIKey struct {
	ID     string   `json:"key_id"`
	Name   string   `json:"name"`
	Key    string   `json:"api_key,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Active bool     `json:"active,omitempty"`
}

// ExchangePIN trades the configurator PIN for a device-scoped API key and
// installs it on the client.
func (c *Client) ExchangePIN(ctx context.Context, pin, name string) (*APIKey, error) {
	body := map[string]interface{}{
		"name":   name,
		"scopes": []string{"admin"},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("auth/api_keys"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(configuratorUser, pin)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var key APIKey
	if err := decode(resp, &key); err != nil {
		return nil, err
	}
	c.SetAPIKey(key.Key)
	return &key, nil
}

// ListAPIKeys returns the device's registered API keys (values redacted).
func (c *Client) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	if err := c.do(ctx, http.MethodGet, "auth/api_keys", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey deletes an API key from the device.
func (c *Client) RevokeAPIKey(ctx context.Context, keyID string) error {
	return c.do(ctx, http.MethodDelete, "auth/api_keys/"+keyID, nil, nil)
}

// ExternalToken is a credential the device's driver presents to an external
// system, here the host that minted it.
type ExternalToken struct {
	TokenID     string `json:"token_id"`
	Token       string `json:"token,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	Data        string `json:"data,omitempty"`
}

// SetExternalSystemToken installs (or replaces) the token the device driver
// uses against the named external system.
func (c *Client) SetExternalSystemToken(ctx context.Context, system string, tok ExternalToken) error {
	return c.do(ctx, http.MethodPost, "auth/external/"+system, tok, nil)
}

// GetExternalSystemTokens lists the tokens registered for a system.
func (c *Client) GetExternalSystemTokens(ctx context.Context, system string) ([]ExternalToken, error) {
	var toks []ExternalToken
	if err := c.do(ctx, http.MethodGet, "auth/external/"+system, nil, &toks); err != nil {
		return nil, err
	}
	return toks, nil
}

// DeleteExternalSystemToken removes one token registered for a system.
func (c *Client) DeleteExternalSystemToken(ctx context.Context, system, tokenID string) error {
	return c.do(ctx, http.MethodDelete, "auth/external/"+system+"/"+tokenID, nil, nil)
}

// ---- driver / integration ----

// DriverInstance describes a registered integration driver on the device.
type DriverInstance struct {
	DriverID string            `json:"driver_id"`
	Name     map[string]string `json:"name,omitempty"`
	State    string            `json:"state,omitempty"`
	Version  string            `json:"version,omitempty"`
}

// DriverRegistration is the payload registering the host's driver with the
// device, carrying the websocket URL the driver connects back to.
type DriverRegistration struct {
	DriverID string            `json:"driver_id"`
	Name     map[string]string `json:"name"`
	URL      string            `json:"driver_url"`
	Token    string            `json:"token,omitempty"`
	Version  string            `json:"version,omitempty"`
	Icon     string            `json:"icon,omitempty"`
}

// IntegrationInstance is the device-side instance bound to a driver.
type IntegrationInstance struct {
	IntegrationID string `json:"integration_id"`
	DriverID      string `json:"driver_id"`
	State         string `json:"state,omitempty"`
	DeviceState   string `json:"device_state,omitempty"`
}

// GetDriver fetches a driver instance, ErrNotFound when unregistered.
func (c *Client) GetDriver(ctx context.Context, driverID string) (*DriverInstance, error) {
	var d DriverInstance
	if err := c.do(ctx, http.MethodGet, "intg/drivers/"+driverID, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RegisterDriver creates the host's driver instance on the device.
func (c *Client) RegisterDriver(ctx context.Context, reg DriverRegistration) (*DriverInstance, error) {
	var d DriverInstance
	if err := c.do(ctx, http.MethodPost, "intg/drivers", reg, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// StartDriver asks the device to start the named driver.
func (c *Client) StartDriver(ctx context.Context, driverID string) error {
	return c.do(ctx, http.MethodPost, "intg/drivers/"+driverID+"/start", nil, nil)
}

// GetIntegrationByDriver looks up the integration instance created for a
// driver, ErrNotFound when none exists yet.
func (c *Client) GetIntegrationByDriver(ctx context.Context, driverID string) (*IntegrationInstance, error) {
	var list []IntegrationInstance
	if err := c.do(ctx, http.MethodGet, "intg/instances?driver_id="+url.QueryEscape(driverID), nil, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// ConnectIntegration sends the CONNECT command to an integration instance.
func (c *Client) ConnectIntegration(ctx context.Context, integrationID string) error {
	body := map[string]string{"command": "CONNECT"}
	return c.do(ctx, http.MethodPut, "intg/instances/"+integrationID, body, nil)
}

// EntityRecord is one entity as the device reports it.
type EntityRecord struct {
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type,omitempty"`
	Name       map[string]string `json:"name,omitempty"`
}

// AvailableEntity is one entity offered to the device for subscription.
type AvailableEntity struct {
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	Name       map[string]string `json:"name"`
	Features   []string          `json:"features,omitempty"`
}

// ReloadEntities forces the device to re-read the integration's entity
// endpoint. The call is idempotent on the device side.
func (c *Client) ReloadEntities(ctx context.Context, integrationID string) ([]EntityRecord, error) {
	var list []EntityRecord
	if err := c.do(ctx, http.MethodGet, "intg/instances/"+integrationID+"/entities?reload=true", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// PushAvailableEntities replaces the integration's available-entity set in a
// single message.
func (c *Client) PushAvailableEntities(ctx context.Context, integrationID string, entities []AvailableEntity) error {
	body := map[string]interface{}{"available_entities": entities}
	return c.do(ctx, http.MethodPost, "intg/instances/"+integrationID+"/entities", body, nil)
}

// GetSubscribedEntities reads back the entity ids the device actually
// subscribed to.
func (c *Client) GetSubscribedEntities(ctx context.Context, integrationID string) ([]string, error) {
	var list []EntityRecord
	if err := c.do(ctx, http.MethodGet, "intg/instances/"+integrationID+"/entities?filter=SUBSCRIBED", nil, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, e := range list {
		ids = append(ids, e.EntityID)
	}
	return ids, nil
}

// ---- activities ----

// ActivityInfo is the list form of an activity entity.
type ActivityInfo struct {
	EntityID   string            `json:"entity_id"`
	Name       map[string]string `json:"name"`
	Attributes struct {
		State string `json:"state"`
	} `json:"attributes"`
}

// EntityCommandRef names a command on an entity, as stored in button maps.
type EntityCommandRef struct {
	EntityID string                 `json:"entity_id"`
	CmdID    string                 `json:"cmd_id"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// ButtonMap binds a physical button to entity commands inside an activity.
type ButtonMap struct {
	Button     string            `json:"button"`
	ShortPress *EntityCommandRef `json:"short_press,omitempty"`
	LongPress  *EntityCommandRef `json:"long_press,omitempty"`
}

// ActivityOptions is the configurable part of an activity.
type ActivityOptions struct {
	PreventSleep     bool           `json:"prevent_sleep,omitempty"`
	IncludedEntities []EntityRecord `json:"included_entities,omitempty"`
	ButtonMapping    []ButtonMap    `json:"button_mapping,omitempty"`
}

// ActivityDetail is the full form of an activity entity.
type ActivityDetail struct {
	EntityID   string            `json:"entity_id"`
	Name       map[string]string `json:"name"`
	Options    ActivityOptions   `json:"options"`
	Attributes struct {
		State string `json:"state"`
	} `json:"attributes"`
}

// ActivityGroupInfo is one activity group with its member ids.
type ActivityGroupInfo struct {
	GroupID    string            `json:"group_id"`
	Name       map[string]string `json:"name"`
	Activities []ActivityInfo    `json:"activities,omitempty"`
}

// GetActivities lists the device's activities.
func (c *Client) GetActivities(ctx context.Context) ([]ActivityInfo, error) {
	var list []ActivityInfo
	if err := c.do(ctx, http.MethodGet, "activities?limit=100", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetActivity fetches one activity with its options and button mapping.
func (c *Client) GetActivity(ctx context.Context, activityID string) (*ActivityDetail, error) {
	var d ActivityDetail
	if err := c.do(ctx, http.MethodGet, "activities/"+activityID, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetActivityGroups lists activity groups.
func (c *Client) GetActivityGroups(ctx context.Context) ([]ActivityGroupInfo, error) {
	var list []ActivityGroupInfo
	if err := c.do(ctx, http.MethodGet, "activity_groups?limit=100", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetActivityGroup fetches one group with its member activities.
func (c *Client) GetActivityGroup(ctx context.Context, groupID string) (*ActivityGroupInfo, error) {
	var g ActivityGroupInfo
	if err := c.do(ctx, http.MethodGet, "activity_groups/"+groupID, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateActivityOptions patches an activity's options.
func (c *Client) UpdateActivityOptions(ctx context.Context, activityID string, options map[string]interface{}) error {
	body := map[string]interface{}{"options": options}
	return c.do(ctx, http.MethodPatch, "activities/"+activityID, body, nil)
}

// SendEntityCommand invokes a command on an entity.
func (c *Client) SendEntityCommand(ctx context.Context, cmd EntityCommandRef) error {
	body := map[string]interface{}{"cmd_id": cmd.CmdID}
	if len(cmd.Params) > 0 {
		body["params"] = cmd.Params
	}
	return c.do(ctx, http.MethodPut, "entities/"+cmd.EntityID+"/command", body, nil)
}

// ---- IR ----

// DockInfo is the list form of an IR emitter (dock).
type DockInfo struct {
	DockID string `json:"device_id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// IRSend is the emitter send payload: either a raw code+format or a
// codeset/command pair, plus optional repeat and port routing.
type IRSend struct {
	Code      string `json:"code,omitempty"`
	Format    string `json:"format,omitempty"`
	CodesetID string `json:"codeset_id,omitempty"`
	CmdID     string `json:"cmd_id,omitempty"`
	Repeat    int    `json:"repeat,omitempty"`
	PortID    int    `json:"port_id,omitempty"`
}

// IRCode is a captured code.
type IRCode struct {
	Value  string `json:"value"`
	Format string `json:"format"`
}

// LearnState is the emitter's learning resource.
type LearnState struct {
	LearningActive bool    `json:"learning_active"`
	LastCode       *IRCode `json:"last_code,omitempty"`
}

// GetDocks lists the device's IR emitters.
func (c *Client) GetDocks(ctx context.Context) ([]DockInfo, error) {
	var list []DockInfo
	if err := c.do(ctx, http.MethodGet, "ir/emitters", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SendIR emits an IR code through the named emitter.
func (c *Client) SendIR(ctx context.Context, emitterID string, send IRSend) error {
	return c.do(ctx, http.MethodPut, "ir/emitters/"+emitterID+"/send", send, nil)
}

// StartIRLearning puts the emitter into learning mode.
func (c *Client) StartIRLearning(ctx context.Context, emitterID string) error {
	return c.do(ctx, http.MethodPut, "ir/emitters/"+emitterID+"/learn", nil, nil)
}

// StopIRLearning takes the emitter out of learning mode.
func (c *Client) StopIRLearning(ctx context.Context, emitterID string) error {
	return c.do(ctx, http.MethodDelete, "ir/emitters/"+emitterID+"/learn", nil, nil)
}

// GetLearnedCode reads the emitter's learning state; (nil, nil) when no code
// has been captured yet.
func (c *Client) GetLearnedCode(ctx context.Context, emitterID string) (*IRCode, error) {
	var state LearnState
	err := c.do(ctx, http.MethodGet, "ir/emitters/"+emitterID+"/learn", nil, &state)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.LastCode, nil
}

// ---- codesets (remote entities) ----

// RemoteEntity is a device-defined IR remote backing a custom codeset.
type RemoteEntity struct {
	EntityID string            `json:"entity_id"`
	Name     map[string]string `json:"name"`
	Enabled  bool              `json:"enabled,omitempty"`
}

// CodesetRecord is one custom codeset as listed by the device.
type CodesetRecord struct {
	CodesetID string `json:"device_id"`
	Name      string `json:"name"`
}

// GetRemotes lists the device's IR remote entities.
func (c *Client) GetRemotes(ctx context.Context) ([]RemoteEntity, error) {
	var list []RemoteEntity
	if err := c.do(ctx, http.MethodGet, "remotes", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateRemote creates an IR remote entity holding a custom codeset.
func (c *Client) CreateRemote(ctx context.Context, name, deviceName, description string) (*RemoteEntity, error) {
	body := map[string]interface{}{
		"name":        map[string]string{"en": name},
		"icon":        "uc:movie",
		"description": map[string]string{"en": description},
		"custom_codeset": map[string]string{
			"manufacturer_id": "custom",
			"device_name":     deviceName,
			"device_type":     "various",
		},
	}
	var r RemoteEntity
	if err := c.do(ctx, http.MethodPost, "remotes", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SetRemoteCommand upserts one learned command in a remote's codeset: create
// first, update in place when the command already exists.
func (c *Client) SetRemoteCommand(ctx context.Context, remoteID, commandID, value, format string) error {
	body := map[string]string{"value": value, "format": format}
	err := c.do(ctx, http.MethodPost, "remotes/"+remoteID+"/ir/"+commandID, body, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnprocessableEntity {
		return c.do(ctx, http.MethodPatch, "remotes/"+remoteID+"/ir/"+commandID, body, nil)
	}
	return err
}

// GetCustomCodesets lists custom codesets for named IR sends.
func (c *Client) GetCustomCodesets(ctx context.Context) ([]CodesetRecord, error) {
	var list []CodesetRecord
	if err := c.do(ctx, http.MethodGet, "ir/codes/custom", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ---- dock management ----

// DockDetail is the full dock record, including its own websocket endpoint.
type DockDetail struct {
	Name                  string `json:"name"`
	WSEndpoint            string `json:"resolved_ws_url"`
	Active                bool   `json:"active"`
	Model                 string `json:"model"`
	Revision              string `json:"revision"`
	Serial                string `json:"serial"`
	LEDBrightness         int    `json:"led_brightness"`
	EthernetLEDBrightness int    `json:"eth_led_brightness"`
	Version               string `json:"version"`
	State                 string `json:"state"`
	LearningActive        bool   `json:"learning_active"`
}

// GetDockInfo fetches one dock record.
func (c *Client) GetDockInfo(ctx context.Context, dockID string) (*DockDetail, error) {
	var d DockDetail
	if err := c.do(ctx, http.MethodGet, "docks/devices/"+dockID, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SendDockCommand issues a management command (brightness, identify, reboot)
// against a dock.
func (c *Client) SendDockCommand(ctx context.Context, dockID, command, value string) error {
	body := map[string]string{"command": command}
	if value != "" {
		body["value"] = value
	}
	return c.do(ctx, http.MethodPost, "docks/devices/"+dockID+"/command", body, nil)
}

// UpdateDockPassword replaces the dock's websocket password.
func (c *Client) UpdateDockPassword(ctx context.Context, dockID, password string) error {
	body := map[string]string{"password": password}
	return c.do(ctx, http.MethodPatch, "docks/devices/"+dockID, body, nil)
}

// ---- firmware ----

// UpdateInfo is the device's firmware availability record.
type UpdateInfo struct {
	UpdateID        string `json:"update_id"`
	CurrentVersion  string `json:"installed_version"`
	LatestVersion   string `json:"version"`
	UpdateAvailable bool   `json:"update_available"`
}

// UpdateProgress is the running state of a firmware install.
type UpdateProgress struct {
	State           string `json:"state"`
	DownloadPercent int    `json:"download_percent"`
	InstallPercent  int    `json:"current_percent"`
	Version         string `json:"version,omitempty"`
}

// GetUpdateInfo reads the latest-firmware record.
func (c *Client) GetUpdateInfo(ctx context.Context) (*UpdateInfo, error) {
	var info UpdateInfo
	if err := c.do(ctx, http.MethodGet, "system/update", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// InstallUpdate starts installing the latest firmware.
func (c *Client) InstallUpdate(ctx context.Context) (*UpdateProgress, error) {
	var p UpdateProgress
	if err := c.do(ctx, http.MethodPost, "system/update/latest", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetUpdateProgress polls a running install.
func (c *Client) GetUpdateProgress(ctx context.Context, updateID string) (*UpdateProgress, error) {
	var p UpdateProgress
	if err := c.do(ctx, http.MethodGet, "system/update/"+updateID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ---- diagnostics ----

// BatteryStats is the battery diagnostic snapshot.
type BatteryStats struct {
	Capacity    int    `json:"capacity"`
	Status      string `json:"status"`
	PowerSupply bool   `json:"power_supply"`
}

// AmbientLight is the light sensor snapshot.
type AmbientLight struct {
	Intensity int `json:"intensity"`
}

// ResourceUsage is the device resource snapshot.
type ResourceUsage struct {
	Memory struct {
		TotalMemory     int64 `json:"total_memory"`
		AvailableMemory int64 `json:"available_memory"`
	} `json:"memory"`
	LoadAvg struct {
		One float64 `json:"one"`
	} `json:"load_avg"`
	Filesystem struct {
		UserData struct {
			Available int64 `json:"available"`
		} `json:"user_data"`
	} `json:"filesystem"`
}

// GetBatteryStats reads battery diagnostics.
func (c *Client) GetBatteryStats(ctx context.Context) (*BatteryStats, error) {
	var b BatteryStats
	if err := c.do(ctx, http.MethodGet, "system/power/battery", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetAmbientLight reads the ambient light sensor.
func (c *Client) GetAmbientLight(ctx context.Context) (*AmbientLight, error) {
	var a AmbientLight
	if err := c.do(ctx, http.MethodGet, "system/sensors/ambient_light", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetResourceUsage reads memory, load and filesystem stats.
func (c *Client) GetResourceUsage(ctx context.Context) (*ResourceUsage, error) {
	var r ResourceUsage
	if err := c.do(ctx, http.MethodGet, "pub/status", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- system ----

// Info is the device identity record.
type Info struct {
	DeviceName string `json:"device_name"`
	Model      string `json:"model"`
	API        string `json:"api"`
	Core       string `json:"core"`
	OS         string `json:"os"`
}

// Version returns the firmware version the host tracks.
func (i *Info) Version() string {
	if i.OS != "" {
		return i.OS
	}
	return i.Core
}

// GetInfo reads the device identity.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "pub/version", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PowerState is the device power mode record.
type PowerState struct {
	Mode string `json:"mode"`
}

// GetPowerState reads the current power mode.
func (c *Client) GetPowerState(ctx context.Context) (*PowerState, error) {
	var p PowerState
	if err := c.do(ctx, http.MethodGet, "system/power", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SendSystemCommand issues a device-global command such as STANDBY or REBOOT.
func (c *Client) SendSystemCommand(ctx context.Context, cmd string) error {
	return c.do(ctx, http.MethodPost, "system?cmd="+url.QueryEscape(cmd), nil, nil)
}

// Reachable probes the device without consuming a response body. Used by the
// wake pre-flight.
func (c *Client) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url("activities"), nil)
	if err != nil {
		return err
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}
