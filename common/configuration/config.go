package configuration

import (
	"fmt"
	"os"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"

	"github.com/scusemua/fleet-master/master/auth"
)

const (
	DefaultPort                      = 5050
	DefaultAllocationIntervalSeconds = 1
)

// MasterOptions includes all configuration parameters of the fleet master.
type MasterOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	Port                      int    `name:"port" json:"port" yaml:"port" description:"Port on which the operator HTTP endpoints (and Prometheus metrics) are served. Default/suggested: 5050."`
	AllocationIntervalSeconds int    `name:"allocation_interval_seconds" json:"allocation_interval_seconds" yaml:"allocation_interval_seconds" description:"Cadence, in seconds, of the allocation engine's periodic pass over all agents."`
	CredentialsFile           string `name:"credentials_file" json:"credentials_file" yaml:"credentials_file" description:"Path to a JSON file containing the list of operator credentials (principal/secret pairs)."`
	ACLsFile                  string `name:"acls_file" json:"acls_file" yaml:"acls_file" description:"Path to a JSON file containing the access-control rules for reserve/unreserve. When omitted, a permissive rule set is used."`

	// PrettyPrintOptions, when true, instructs the master's driver to pretty-print the
	// MasterOptions struct when the program first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// Validate fills defaults for unset numeric options.
func (opts *MasterOptions) Validate() error {
	if err := opts.LoggerOptions.Validate(); err != nil {
		return err
	}

	if opts.Port <= 0 {
		fmt.Printf("[WARNING] \"port\" configuration is not set. Using default value: '%d'.\n", DefaultPort)
		opts.Port = DefaultPort
	}

	if opts.AllocationIntervalSeconds <= 0 {
		fmt.Printf("[WARNING] \"allocation_interval_seconds\" configuration is not set. Using default value: '%d'.\n",
			DefaultAllocationIntervalSeconds)
		opts.AllocationIntervalSeconds = DefaultAllocationIntervalSeconds
	}

	return nil
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *MasterOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *MasterOptions) Clone() *MasterOptions {
	clone := *opts
	return &clone
}

func (opts *MasterOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// LoadCredentials reads the operator credential list from a JSON file.
func LoadCredentials(path string) ([]auth.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var credentials []auth.Credential
	if err = json.Unmarshal(data, &credentials); err != nil {
		return nil, fmt.Errorf("malformed credentials file \"%s\": %w", path, err)
	}

	return credentials, nil
}

// LoadACLs reads the access-control rule set from a JSON file.
func LoadACLs(path string) (auth.ACLs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return auth.ACLs{}, err
	}

	var acls auth.ACLs
	if err = json.Unmarshal(data, &acls); err != nil {
		return auth.ACLs{}, fmt.Errorf("malformed ACLs file \"%s\": %w", path, err)
	}

	return acls, nil
}
