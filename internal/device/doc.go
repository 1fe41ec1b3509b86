// Package device defines the platform-neutral view of the local Bluetooth Low
// Energy adapter and of remote peripherals: adapter and link states, the
// Central/Client abstractions implemented by platform backends, and the
// error taxonomy shared by the coordinator and the CLI.
package device
