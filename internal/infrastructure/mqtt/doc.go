// Package mqtt provides the MQTT client used by the knxlink gateway.
//
// This package manages:
//   - Connection to the broker with paho's auto-reconnect
//   - Publishing with QoS and retain control
//   - Subscriptions that are restored after each reconnect
//   - The retained health topic and its Last Will
//   - Topic naming under a configurable prefix (Topics)
//
// # Topic scheme
//
//	{prefix}/command/knx/{ga}    group write commands (in)
//	{prefix}/ack/knx/{ga}        command outcome (out)
//	{prefix}/request/knx/{id}    read / read_many / write_many (in)
//	{prefix}/response/knx/{id}   request outcome (out)
//	{prefix}/event/knx/{ga}      every group event (out)
//	{prefix}/state/knx/{ga}      last decoded value (out, retained)
//	{prefix}/health/knx          service health and LWT (out, retained)
//
// Group addresses are URL-encoded in topics ("1/2/3" → "1%2F2%2F3").
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
