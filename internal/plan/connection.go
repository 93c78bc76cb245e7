package plan

import (
	"strconv"
	"strings"
)

// DatabaseType names a relational vendor.
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "Postgres"
	DatabaseMySQL    DatabaseType = "MySQL"
)

// Connection describes how a store node reaches its backend.
type Connection interface {
	ConnectionKind() string
	// Key identifies the connection for pooling and authorization.
	Key() string
	isConnection()
}

type RelationalConnection struct {
	Type           DatabaseType      `json:"type"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Database       string            `json:"database"`
	Options        map[string]string `json:"options,omitempty"`
	Authentication AuthStrategyRef   `json:"authenticationStrategy"`
}

type ServiceConnection struct {
	Service string `json:"service"`
}

type MongoConnection struct {
	URL      string `json:"url"`
	Database string `json:"database"`
}

type ElasticsearchConnection struct {
	URL string `json:"url"`
}

func (*RelationalConnection) ConnectionKind() string    { return "relational" }
func (*ServiceConnection) ConnectionKind() string       { return "service" }
func (*MongoConnection) ConnectionKind() string         { return "mongoDB" }
func (*ElasticsearchConnection) ConnectionKind() string { return "elasticsearch" }

func (*RelationalConnection) isConnection()    {}
func (*ServiceConnection) isConnection()       {}
func (*MongoConnection) isConnection()         {}
func (*ElasticsearchConnection) isConnection() {}

func (c *RelationalConnection) Key() string {
	var b strings.Builder
	b.WriteString(string(c.Type))
	b.WriteString("_")
	b.WriteString(c.Host)
	b.WriteString("_")
	b.WriteString(strconv.Itoa(c.Port))
	b.WriteString("_")
	b.WriteString(c.Database)
	if c.Authentication.Strategy != nil {
		b.WriteString("_")
		b.WriteString(c.Authentication.Strategy.StrategyKind())
	}
	return b.String()
}

func (c *ServiceConnection) Key() string       { return "service_" + c.Service }
func (c *MongoConnection) Key() string         { return "mongoDB_" + c.URL + "_" + c.Database }
func (c *ElasticsearchConnection) Key() string { return "elasticsearch_" + c.URL }

// AuthStrategy says which credential a connection needs from the identity.
type AuthStrategy interface {
	StrategyKind() string
	isAuthStrategy()
}

// DefaultAuth uses whatever the driver does without credentials.
type DefaultAuth struct{}

// UserNamePasswordAuth needs a password credential; the references name
// secrets resolved by the authentication subsystem.
type UserNamePasswordAuth struct {
	UserNameVaultReference string `json:"userNameVaultReference"`
	PasswordVaultReference string `json:"passwordVaultReference"`
}

// DelegatedKerberosAuth needs a kerberos credential for ServicePrincipal.
type DelegatedKerberosAuth struct {
	ServicePrincipal string `json:"serverPrincipal,omitempty"`
}

func (*DefaultAuth) StrategyKind() string           { return "default" }
func (*UserNamePasswordAuth) StrategyKind() string  { return "userNamePassword" }
func (*DelegatedKerberosAuth) StrategyKind() string { return "delegatedKerberos" }

func (*DefaultAuth) isAuthStrategy()           {}
func (*UserNamePasswordAuth) isAuthStrategy()  {}
func (*DelegatedKerberosAuth) isAuthStrategy() {}
