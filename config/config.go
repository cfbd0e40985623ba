package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeAddr is one entry of a coordinator's node map: node id -> host:port.
type NodeAddr struct {
	Host string
	Port int
}

func (n NodeAddr) String() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// CoordinatorConfig configures the coordinator binary, built the same way
// the teacher's NewConfig builds its Config: parse flags once at startup
// into a typed struct.
type CoordinatorConfig struct {
	Host           string
	Port           int
	Nodes          map[string]NodeAddr
	DataDir        string
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
}

// NewCoordinatorConfig parses the coordinator's flags.
func NewCoordinatorConfig() (*CoordinatorConfig, error) {
	host := flag.String("host", "127.0.0.1", "host address to bind to")
	port := flag.Int("port", 5000, "port to bind to")
	nodes := flag.String("nodes", "", "comma-separated node_id:host:port entries")
	dataDir := flag.String("data-dir", "data", "directory for the coordinator decision log")
	prepareTimeout := flag.Duration("prepare-timeout", 5*time.Second, "per-participant PREPARE timeout")
	commitTimeout := flag.Duration("commit-timeout", 15*time.Second, "per-participant COMMIT/ABORT timeout budget")
	flag.Parse()

	nodeMap, err := ParseNodes(*nodes)
	if err != nil {
		return nil, err
	}

	return &CoordinatorConfig{
		Host:           *host,
		Port:           *port,
		Nodes:          nodeMap,
		DataDir:        *dataDir,
		PrepareTimeout: *prepareTimeout,
		CommitTimeout:  *commitTimeout,
	}, nil
}

// ParticipantConfig configures a single participant binary.
type ParticipantConfig struct {
	NodeID  string
	Host    string
	Port    int
	DataDir string
}

// NewParticipantConfig parses a participant's flags.
func NewParticipantConfig() (*ParticipantConfig, error) {
	nodeID := flag.String("node-id", "", "this participant's logical node id, e.g. N1")
	host := flag.String("host", "127.0.0.1", "host address to bind to")
	port := flag.Int("port", 0, "port to bind to")
	dataDir := flag.String("data-dir", "data", "directory for this node's state snapshot and WAL")
	flag.Parse()

	if *nodeID == "" {
		return nil, fmt.Errorf("config: --node-id is required")
	}
	if *port == 0 {
		return nil, fmt.Errorf("config: --port is required")
	}

	return &ParticipantConfig{
		NodeID:  *nodeID,
		Host:    *host,
		Port:    *port,
		DataDir: *dataDir,
	}, nil
}

// ParseNodes parses a "node_id:host:port,node_id:host:port,..." flag value
// into a node map, the same shape the teacher's NewConfig builds from its
// comma-separated --peers flag.
func ParseNodes(spec string) (map[string]NodeAddr, error) {
	result := make(map[string]NodeAddr)
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return result, nil
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("config: malformed node entry %q, want node_id:host:port", part)
		}
		nodeID, host, portStr := fields[0], fields[1], fields[2]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: malformed port in node entry %q: %w", part, err)
		}
		result[nodeID] = NodeAddr{Host: host, Port: port}
	}
	return result, nil
}
