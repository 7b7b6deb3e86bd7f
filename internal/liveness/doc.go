// Package liveness watches the Module with a UDP heartbeat.
//
// The monitor sends a fixed-size datagram, sleeps, then waits for any reply
// with a deadline. The first missed reply is reported once and ends the run.
package liveness
