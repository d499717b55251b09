// Package main seeds a running supply layer server with a demo restaurant,
// a stocked inventory, and payable suppliers, then prints the planning
// snapshot. With a funding key it also submits one signed reorder proposal.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

func main() {
	var (
		addr     = flag.String("addr", "http://localhost:8080", "Server base URL")
		token    = flag.String("token", "", "Bearer token for the management API")
		location = flag.String("location", "demo-kitchen", "Location ID to seed")
		owner    = flag.String("owner", "0x00000000000000000000000000000000000000A1", "Owner wallet address")
		keyHex   = flag.String("key", "", "Owner private key hex; when set, a signed proposal is submitted")
	)
	flag.Parse()

	_ = godotenv.Load()

	c := &client{base: strings.TrimRight(*addr, "/"), token: *token}

	ownerAddr := *owner
	if *keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
		if err != nil {
			log.Fatalf("parse key: %v", err)
		}
		ownerAddr = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	status, body := c.post("/restaurants", map[string]any{
		"id":            *location,
		"owner_address": ownerAddr,
		"name":          "Demo Kitchen",
		"preferences":   map[string]any{"strategy": "balanced", "horizon_days": 7},
	})
	switch status {
	case http.StatusCreated:
		fmt.Printf("registered %s (owner %s)\n", *location, ownerAddr)
	case http.StatusConflict:
		fmt.Printf("%s already registered, reseeding catalog\n", *location)
	default:
		log.Fatalf("register restaurant: %d: %s", status, body)
	}

	items := []map[string]any{
		{"sku": "beef-chuck-5kg", "name": "Beef Chuck 5kg", "category": "protein", "unit": "case", "on_hand": 2, "par_level": 8, "daily_usage_units": 1.5, "unit_cost_usd": 62.00},
		{"sku": "chicken-breast-10kg", "name": "Chicken Breast 10kg", "category": "protein", "unit": "case", "on_hand": 4, "par_level": 10, "daily_usage_units": 2.0, "unit_cost_usd": 48.50},
		{"sku": "tomato-crate", "name": "Roma Tomatoes", "category": "produce", "unit": "crate", "on_hand": 3, "par_level": 6, "daily_usage_units": 1.0, "unit_cost_usd": 18.75},
		{"sku": "onion-sack-25lb", "name": "Yellow Onions 25lb", "category": "produce", "unit": "sack", "on_hand": 1, "par_level": 4, "daily_usage_units": 0.5, "unit_cost_usd": 14.20},
		{"sku": "flour-50lb", "name": "All-Purpose Flour 50lb", "category": "dry", "unit": "bag", "on_hand": 5, "par_level": 6, "daily_usage_units": 0.4, "unit_cost_usd": 22.00},
		{"sku": "olive-oil-5l", "name": "Olive Oil 5L", "category": "dry", "unit": "tin", "on_hand": 2, "par_level": 5, "daily_usage_units": 0.3, "unit_cost_usd": 39.90},
	}
	for _, it := range items {
		if status, body := c.post("/restaurants/"+*location+"/inventory", it); status != http.StatusOK {
			log.Fatalf("seed item %v: %d: %s", it["sku"], status, body)
		}
	}
	fmt.Printf("seeded %d inventory items\n", len(items))

	suppliers := []map[string]any{
		{"id": "meatco", "name": "MeatCo Wholesale", "payout_address": "0x00000000000000000000000000000000000000B2", "lead_time_days": 2, "min_order_usd": 100},
		{"id": "greenfields", "name": "Greenfields Produce", "payout_address": "0x00000000000000000000000000000000000000B3", "lead_time_days": 1, "min_order_usd": 50},
		{"id": "drygoods", "name": "Dry Goods Direct", "payout_address": "0x00000000000000000000000000000000000000B4", "lead_time_days": 4, "min_order_usd": 75},
	}
	for _, sup := range suppliers {
		if status, body := c.post("/restaurants/"+*location+"/suppliers", sup); status != http.StatusOK {
			log.Fatalf("seed supplier %v: %d: %s", sup["id"], status, body)
		}
	}
	fmt.Printf("seeded %d suppliers\n", len(suppliers))

	status, body = c.get("/restaurants/" + *location + "/snapshot?horizon_days=7")
	if status != http.StatusOK {
		log.Fatalf("snapshot: %d: %s", status, body)
	}
	var snap struct {
		HorizonDays int
		Items       []struct {
			SKU             string
			EffectiveOnHand int64
			ParLevel        int64
		}
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		log.Fatalf("decode snapshot: %v", err)
	}
	below := 0
	for _, it := range snap.Items {
		if it.EffectiveOnHand < it.ParLevel {
			below++
		}
	}
	fmt.Printf("snapshot: %d items tracked, %d below par over %d days\n", len(snap.Items), below, snap.HorizonDays)

	if *keyHex == "" {
		fmt.Println("done (pass -key to submit a signed proposal)")
		return
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		log.Fatalf("parse key: %v", err)
	}
	issuedAt := time.Now().UnixMilli()
	message := fmt.Sprintf("supply-layer: propose-orders for location %s in testing as %s at %d",
		*location, ownerAddr, issuedAt)
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		log.Fatalf("sign proposal: %v", err)
	}

	status, body = c.post("/restaurants/"+*location+"/proposals", map[string]any{
		"auth": map[string]any{
			"owner_address": ownerAddr,
			"message":       message,
			"signature":     "0x" + hex.EncodeToString(sig),
			"issued_at":     issuedAt,
		},
		"strategy":     "balanced",
		"horizon_days": 7,
	})
	switch status {
	case http.StatusCreated:
		fmt.Printf("proposal accepted: %s\n", body)
	case http.StatusNotImplemented:
		fmt.Println("proposal skipped: server has no planner or ledger configured")
	default:
		log.Fatalf("proposal: %d: %s", status, body)
	}
}

type client struct {
	base  string
	token string
}

func (c *client) do(method, path string, payload any) (int, []byte) {
	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("marshal payload: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func (c *client) post(path string, payload any) (int, []byte) {
	return c.do(http.MethodPost, path, payload)
}

func (c *client) get(path string) (int, []byte) {
	return c.do(http.MethodGet, path, nil)
}
