package zabbix

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"uptime/internal/models"
)

// ErrMalformedPayload marks a payload that cannot be attributed to a host
// or is not a key/value object at all.
var ErrMalformedPayload = errors.New("malformed alert payload")

// Normalized is the canonical shape of one Zabbix webhook delivery.
type Normalized struct {
	HostID      string
	HostName    string
	EventID     string
	TriggerName string
	Severity    models.Severity
	Status      models.EventStatus
	EventTime   time.Time
	// IncidentKey is set when the payload had no event id. It identifies
	// the trigger on its host without the event time, so an id-less
	// recovery can find the problem it closes.
	IncidentKey string
	// TimeSubstituted is set when the payload time was unusable and the
	// ingestion time was taken instead.
	TimeSubstituted bool
}

// 每个字段按顺序尝试的路径，"." 分隔嵌套层级，数字段为数组下标
var fieldPaths = struct {
	hostID, hostName, eventID, trigger, severity, status, eventTime, eventDate []string
}{
	hostID: []string{
		"hostid", "host_id", "hostId", "host.id", "host.hostid",
		"event.hostid", "params.hostid", "data.host.id", "hosts.0.hostid",
	},
	hostName: []string{
		"host", "hostname", "host_name", "hostName", "host.name", "host.host",
		"host.hostname", "event.host", "params.host", "data.host.name", "hosts.0.name",
	},
	eventID: []string{
		"eventid", "event_id", "eventId", "event.id", "event.eventid",
		"params.eventid", "params.event_id", "data.event.id", "problem_id",
	},
	trigger: []string{
		"trigger", "trigger_name", "triggerName", "trigger.name", "event.name",
		"params.trigger", "data.trigger.name", "problem", "subject", "name",
	},
	severity: []string{
		"severity", "nseverity", "event_nseverity", "event_severity", "priority",
		"trigger.priority", "trigger.severity", "event.severity", "event.nseverity",
		"params.severity", "data.event.severity",
	},
	status: []string{
		"value", "status", "event_value", "event_status", "event.value", "event.status",
		"trigger.value", "trigger.status", "params.value", "data.event.value",
	},
	eventTime: []string{
		"event_time", "eventtime", "eventTime", "timestamp", "clock", "event.clock",
		"event.time", "event.timestamp", "params.event_time", "data.event.time", "time",
	},
	eventDate: []string{
		"event_date", "eventdate", "eventDate", "event.date", "params.event_date", "date",
	},
}

var (
	// 未展开的宏，如 {HOST.ID}、{$THRESHOLD}、{?avg(...)}
	macroPattern = regexp.MustCompile(`\{[$?#]?[A-Za-z][^{}]*\}`)
	clockPattern = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}$`)

	placeholders = map[string]bool{
		"undefined": true,
		"null":      true,
		"nil":       true,
		"none":      true,
		"n/a":       true,
		"*unknown*": true,
	}

	timeLayouts = []string{
		"2006.01.02 15:04:05",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006/01/02 15:04:05",
	}
)

// Normalize maps a raw webhook payload onto Normalized. now is the ingestion
// time and is used whenever the payload time is unusable.
func Normalize(payload map[string]any, now time.Time) (Normalized, error) {
	if len(payload) == 0 {
		return Normalized{}, ErrMalformedPayload
	}

	n := Normalized{
		HostID:      lookup(payload, fieldPaths.hostID),
		HostName:    lookup(payload, fieldPaths.hostName),
		EventID:     lookup(payload, fieldPaths.eventID),
		TriggerName: lookup(payload, fieldPaths.trigger),
		Severity:    parseSeverity(lookup(payload, fieldPaths.severity)),
		Status:      parseStatus(lookup(payload, fieldPaths.status)),
	}

	rawTime := eventTimeText(payload)
	n.EventTime, n.TimeSubstituted = parseEventTime(rawTime, now)

	if n.EventID == "" {
		n.IncidentKey = fingerprint(n.HostID, n.HostName, n.TriggerName)
		n.EventID = n.IncidentKey + ":" + digest(rawTime)[:12]
	}
	if n.TriggerName == "" {
		n.TriggerName = "Zabbix event " + n.EventID
	}
	return n, nil
}

// fingerprint keeps retries of an id-less payload on the same row.
func fingerprint(parts ...string) string {
	return "fp:" + digest(strings.Join(parts, "|"))
}

func digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// lookup returns the first usable value among paths.
func lookup(payload map[string]any, paths []string) string {
	for _, path := range paths {
		v, ok := resolvePath(payload, strings.Split(path, "."))
		if !ok {
			continue
		}
		s, ok := scalarString(v)
		if !ok || isPlaceholder(s) {
			continue
		}
		return s
	}
	return ""
}

func resolvePath(cur any, segments []string) (any, bool) {
	for _, seg := range segments {
		switch node := decodeEmbedded(cur).(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				v, ok = foldKey(node, seg)
			}
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func foldKey(m map[string]any, key string) (any, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// decodeEmbedded expands a JSON object sent as a string, which Zabbix media
// scripts do for their params.
func decodeEmbedded(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return v
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return v
	}
	return m
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func isPlaceholder(s string) bool {
	if s == "" {
		return true
	}
	if placeholders[strings.ToLower(s)] {
		return true
	}
	return macroPattern.MatchString(s)
}

func parseSeverity(s string) models.Severity {
	if s == "" {
		return models.SeverityNotClassified
	}
	if level, err := strconv.Atoi(s); err == nil {
		return models.SeverityFromLevel(level)
	}
	return models.ParseSeverity(s)
}

// parseStatus treats a missing status as a problem.
func parseStatus(s string) models.EventStatus {
	switch strings.ToLower(s) {
	case "", "1", "problem":
		return models.EventProblem
	}
	return models.EventOK
}

// eventTimeText joins {EVENT.DATE} and {EVENT.TIME} when they arrive separately.
func eventTimeText(payload map[string]any) string {
	raw := lookup(payload, fieldPaths.eventTime)
	if raw == "" || clockPattern.MatchString(raw) {
		if date := lookup(payload, fieldPaths.eventDate); date != "" {
			if raw == "" {
				return date
			}
			return date + " " + raw
		}
	}
	return raw
}

func parseEventTime(raw string, now time.Time) (time.Time, bool) {
	t, ok := parseTimestamp(raw, now.Location())
	if !ok {
		return now, true
	}
	if t.After(now.AddDate(1, 0, 0)) {
		return now, true
	}
	return t, false
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, bool) {
	if raw == "" || isPlaceholder(raw) {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		// 13 位为毫秒
		if n >= 1e12 {
			return time.UnixMilli(n).In(loc), true
		}
		return time.Unix(n, 0).In(loc), true
	}

	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
