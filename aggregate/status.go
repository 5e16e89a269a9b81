package aggregate

// Result statuses written by the dnshealth prober module.
const (
	StatusSuccess          = "success"
	StatusWrongIP          = "wrong_ip"
	StatusDNSFail          = "dns_fail"
	StatusSocksError       = "socks_error"
	StatusNetworkError     = "network_error"
	StatusError            = "error"
	StatusTimeout          = "timeout"
	StatusHardTimeout      = "hard_timeout"
	StatusException        = "exception"
	StatusUnknown          = "unknown"
	StatusRelayUnreachable = "relay_unreachable"
)

// statusSeverity orders statuses from most to least conclusive. It is
// used for display ordering only; merging picks by instance ordinal.
var statusSeverity = map[string]int{
	StatusSuccess:          0,
	StatusWrongIP:          1,
	StatusDNSFail:          2,
	StatusSocksError:       3,
	StatusNetworkError:     4,
	StatusError:            5,
	StatusTimeout:          6,
	StatusHardTimeout:      6,
	StatusException:        7,
	StatusUnknown:          8,
	StatusRelayUnreachable: 9,
}

func severity(status string) int {
	if s, ok := statusSeverity[status]; ok {
		return s
	}
	return 99
}

// CircuitCounts is embedded in the metadata so every circuit failure
// type is reported, including explicit zeros.
type CircuitCounts struct {
	Timeout            int `json:"circuit_timeout"`
	Destroyed          int `json:"circuit_destroyed"`
	ChannelClosed      int `json:"circuit_channel_closed"`
	ConnectFailed      int `json:"circuit_connect_failed"`
	NoPath             int `json:"circuit_no_path"`
	ResourceLimit      int `json:"circuit_resource_limit"`
	Hibernating        int `json:"circuit_hibernating"`
	Finished           int `json:"circuit_finished"`
	ConnectionClosed   int `json:"circuit_connection_closed"`
	IOError            int `json:"circuit_io_error"`
	ProtocolError      int `json:"circuit_protocol_error"`
	InternalError      int `json:"circuit_internal_error"`
	Requested          int `json:"circuit_requested"`
	NoService          int `json:"circuit_no_service"`
	MeasurementExpired int `json:"circuit_measurement_expired"`
	GuardLimit         int `json:"circuit_guard_limit"`
	Failed             int `json:"circuit_failed"`
}

// Add counts one circuit failure by its raw reason. Unknown reasons
// are counted as circuit_failed.
func (c *CircuitCounts) Add(reason string) {
	switch reason {
	case "circuit_timeout":
		c.Timeout++
	case "circuit_destroyed":
		c.Destroyed++
	case "channel_closed":
		c.ChannelClosed++
	case "relay_connect_failed":
		c.ConnectFailed++
	case "circuit_no_path":
		c.NoPath++
	case "relay_resource_limit":
		c.ResourceLimit++
	case "relay_hibernating":
		c.Hibernating++
	case "circuit_finished":
		c.Finished++
	case "relay_connection_closed":
		c.ConnectionClosed++
	case "io_error":
		c.IOError++
	case "tor_protocol_error":
		c.ProtocolError++
	case "tor_internal_error":
		c.InternalError++
	case "circuit_requested":
		c.Requested++
	case "no_such_service":
		c.NoService++
	case "measurement_expired":
		c.MeasurementExpired++
	case "guard_limit":
		c.GuardLimit++
	default:
		c.Failed++
	}
}

func (c *CircuitCounts) Total() int {
	return c.Timeout + c.Destroyed + c.ChannelClosed + c.ConnectFailed +
		c.NoPath + c.ResourceLimit + c.Hibernating + c.Finished +
		c.ConnectionClosed + c.IOError + c.ProtocolError + c.InternalError +
		c.Requested + c.NoService + c.MeasurementExpired + c.GuardLimit + c.Failed
}
