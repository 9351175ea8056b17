package config

import (
	"os"
	"path/filepath"
)

// Resolver resolves a configuration file path.
type Resolver interface {
	Resolve() (string, error)
}

type serverResolver struct{}

// NewServerResolver returns the default server config path resolver.
func NewServerResolver() Resolver { return serverResolver{} }

func (serverResolver) Resolve() (string, error) {
	return filepath.Join(string(os.PathSeparator), "etc", "teavpn2", "server.json"), nil
}

type clientResolver struct{}

// NewClientResolver returns the default client config path resolver.
func NewClientResolver() Resolver { return clientResolver{} }

func (clientResolver) Resolve() (string, error) {
	return filepath.Join(string(os.PathSeparator), "etc", "teavpn2", "client.json"), nil
}
