package main

import "time"

const (
	shutdownTimeout = 3 * time.Second // TCP bridge drain on exit
	mqttIDLen       = 8               // machine id characters in the default MQTT client id
	mdnsIDLen       = 16              // machine id characters in the mDNS TXT record
)
