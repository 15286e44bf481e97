package zabbix

// Raw records mirror the Zabbix API payloads. Zabbix encodes almost every
// scalar as a JSON string; conversion to typed values happens in the
// normalize package.

// RawHost is a host.get result with its interfaces.
type RawHost struct {
	HostID      string         `json:"hostid"`
	Host        string         `json:"host"` // technical name
	Name        string         `json:"name"` // visible name
	Description string         `json:"description"`
	Status      string         `json:"status"` // "0" monitored, "1" unmonitored
	Interfaces  []RawInterface `json:"interfaces"`
}

// DisplayName returns the visible name, falling back to the technical name.
func (h RawHost) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Host
}

// MainInterface returns the interface flagged main, or the first one.
func (h RawHost) MainInterface() (RawInterface, bool) {
	for _, iface := range h.Interfaces {
		if iface.Main == "1" {
			return iface, true
		}
	}
	if len(h.Interfaces) > 0 {
		return h.Interfaces[0], true
	}
	return RawInterface{}, false
}

// RawInterface is a host interface. Available: "0" unknown, "1" available, "2" unavailable.
type RawInterface struct {
	InterfaceID string `json:"interfaceid"`
	IP          string `json:"ip"`
	DNS         string `json:"dns"`
	Main        string `json:"main"`
	Type        string `json:"type"`
	Available   string `json:"available"`
	Error       string `json:"error"`
	ErrorsFrom  string `json:"errors_from"`
}

// RawItem is an item.get result carrying the latest value.
type RawItem struct {
	ItemID    string `json:"itemid"`
	HostID    string `json:"hostid"`
	Name      string `json:"name"`
	Key       string `json:"key_"`
	LastValue string `json:"lastvalue"`
	LastClock string `json:"lastclock"`
	ValueType string `json:"value_type"` // "0" float, "3" unsigned
	Units     string `json:"units"`
}

// RawHostRef is the host stub returned through selectHosts.
type RawHostRef struct {
	HostID string `json:"hostid"`
	Host   string `json:"host"`
	Name   string `json:"name"`
}

// RawProblem is an active problem joined with the hosts of its trigger.
type RawProblem struct {
	EventID      string       `json:"eventid"`
	ObjectID     string       `json:"objectid"` // trigger id
	Name         string       `json:"name"`
	Severity     string       `json:"severity"`
	Clock        string       `json:"clock"`
	Acknowledged string       `json:"acknowledged"`
	Hosts        []RawHostRef `json:"hosts"`
}

// RawEvent is a historical problem event. RecoveryClock is empty while unresolved.
type RawEvent struct {
	EventID       string       `json:"eventid"`
	ObjectID      string       `json:"objectid"`
	Name          string       `json:"name"`
	Severity      string       `json:"severity"`
	Clock         string       `json:"clock"`
	REventID      string       `json:"r_eventid"`
	Hosts         []RawHostRef `json:"hosts"`
	RecoveryClock string       `json:"-"`
}

// RawHistory is one history or trend point. For trends Value holds value_avg.
type RawHistory struct {
	ItemID string `json:"itemid"`
	Clock  string `json:"clock"`
	Value  string `json:"value"`
}

// ItemHistory is the history of one item together with its key and units.
type ItemHistory struct {
	ItemID string
	HostID string
	Key    string
	Units  string
	Points []RawHistory
}
