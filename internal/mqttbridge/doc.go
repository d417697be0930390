// Package mqttbridge mirrors engine change events onto an MQTT broker and
// routes command messages back into engine writes.
//
// Topic layout under a configurable base (default "iocontrol"):
//
//	<base>/$state          "ready" while bridged, "lost" as last will
//	<base>/<point>/state   retained JSON change event, QoS 1
//	<base>/<point>/set     command payload: true/false/on/off/1/0 or a number
//
// The bridge talks to the broker through the narrow Client interface, which
// mqtt.Client from github.com/eclipse/paho.mqtt.golang satisfies.
package mqttbridge
