//go:build !linux && !darwin

package main

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
