// Package emulators starts containerised backends for integration tests.
package emulators

import "google.golang.org/api/option"

type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnection is how a test reaches a started emulator. Containers are
// terminated through t.Cleanup.
type EmulatorConnection struct {
	EmulatorAddress string
	ClientOptions   []option.ClientOption
}
