package transport

import (
	"net/url"
	"strings"
)

// APIVersion is the storage API path prefix.
const APIVersion = "1.1"

// Endpoint builds storage API URLs for one user on one cluster.
type Endpoint struct {
	Cluster  string
	Username string
}

// NewEndpoint trims trailing slashes from cluster.
func NewEndpoint(cluster, username string) Endpoint {
	return Endpoint{Cluster: strings.TrimRight(cluster, "/"), Username: username}
}

func (e Endpoint) root() string {
	return e.Cluster + "/" + APIVersion + "/" + url.PathEscape(e.Username)
}

// Storage is the URL of the whole storage tree, used to wipe it.
func (e Endpoint) Storage() string {
	return e.root() + "/storage"
}

func (e Endpoint) InfoCollections() string {
	return e.root() + "/info/collections"
}

func (e Endpoint) Collection(name string) string {
	return e.Storage() + "/" + url.PathEscape(name)
}

func (e Endpoint) Item(collection, id string) string {
	return e.Collection(collection) + "/" + url.PathEscape(id)
}

// NodeURL is the node-assignment URL on the account server.
func NodeURL(server, username string) string {
	return strings.TrimRight(server, "/") + "/user/" + APIVersion + "/" + url.PathEscape(username) + "/node/weave"
}
