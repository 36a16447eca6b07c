package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/airmesh/readings"
)

// simulated peer
type peer struct {
	ID       readings.NodeID
	Interval time.Duration
}

var prefix string

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	flag.StringVar(&prefix, "prefix", "airmesh", "topic prefix")
	mode := flag.String("mode", "continuous", "run mode: single, batch, continuous, malformed")
	nodes := flag.Int("nodes", 4, "number of simulated peers in batch and continuous mode")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("airmesh-simulator-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("Connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("Connected to MQTT broker: %s\n", *broker)

	switch *mode {
	case "single":
		publish(client, 1001, randomReading(), nil)
	case "batch":
		publishBatch(client, *nodes)
	case "continuous":
		publishContinuous(client, *nodes)
	case "malformed":
		publishMalformed(client)
	default:
		fmt.Println("Unknown mode, use single, batch, continuous or malformed")
		client.Disconnect(250)
		os.Exit(1)
	}

	client.Disconnect(250)
}

func topicFor(id readings.NodeID) string {
	return fmt.Sprintf("%s/nodes/%s/readings", prefix, id)
}

func randomReading() readings.Reading {
	pm25 := 5 + rand.Intn(60)
	return readings.Reading{
		PM1_0:       uint16(pm25 * 2 / 3),
		PM2_5:       uint16(pm25),
		PM10_0:      uint16(pm25 + rand.Intn(20)),
		Temperature: float64(180+rand.Intn(80)) / 10,
		Humidity:    float64(300+rand.Intn(400)) / 10,
		Timestamp:   time.Now(),
	}
}

func publishRaw(client paho.Client, id readings.NodeID, payload []byte) {
	token := client.Publish(topicFor(id), 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("Failed to publish: %v\n", token.Error())
		return
	}
	fmt.Printf("[%s] node %s: %s\n", time.Now().Format("15:04:05"), id, payload)
}

func publish(client paho.Client, id readings.NodeID, r readings.Reading, peers map[readings.NodeID]readings.Reading) {
	payload, err := readings.Message{Version: readings.ProtocolVersion, From: id, Reading: r, Peers: peers}.Encode()
	if err != nil {
		fmt.Printf("Failed to encode message: %v\n", err)
		return
	}
	publishRaw(client, id, payload)
}

// publishBatch sends one reading per peer, the last one carrying a peer table
func publishBatch(client paho.Client, n int) {
	table := make(map[readings.NodeID]readings.Reading)
	for i := 1; i <= n; i++ {
		id := readings.NodeID(1000 + i)
		r := randomReading()
		if i == n {
			publish(client, id, r, table)
		} else {
			publish(client, id, r, nil)
		}
		table[id] = r
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("Batch publish complete")
}

func publishContinuous(client paho.Client, n int) {
	stop := make(chan struct{})
	for i := 1; i <= n; i++ {
		p := peer{ID: readings.NodeID(1000 + i), Interval: time.Duration(5+i) * time.Second}
		go func(p peer) {
			ticker := time.NewTicker(p.Interval)
			defer ticker.Stop()
			for {
				publish(client, p.ID, randomReading(), nil)
				select {
				case <-ticker.C:
				case <-stop:
					return
				}
			}
		}(p)
		fmt.Printf("Node %s publishes every %v\n", p.ID, p.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	close(stop)
	fmt.Println("Disconnecting...")
}

// publishMalformed exercises the receiver's rejection paths
func publishMalformed(client paho.Client) {
	cases := []struct {
		id      readings.NodeID
		payload string
	}{
		{2001, `not json`},
		{2002, `{"version":1,"nodeId":"2002","pm1.0":"5","pm2.5":"10"}`},
		{2003, `{"version":1,"nodeId":"2003","pm1.0":"-1","pm2.5":"10","pm10.0":"15","temperature":"20","humidity":"40"}`},
		{2004, `{"version":1,"nodeId":"9999","pm1.0":"5","pm2.5":"10","pm10.0":"15","temperature":"20","humidity":"40"}`},
		{2005, `{"version":2,"nodeId":"2005","pm1.0":"5","pm2.5":"10","pm10.0":"15","temperature":"20","humidity":"40"}`},
	}
	for _, c := range cases {
		publishRaw(client, c.id, []byte(c.payload))
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("Malformed publish complete")
}
