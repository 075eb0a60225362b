package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status  int
	OrderID string
	Kind    string
	Err     error
	Latency time.Duration
}

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Kind string `json:"kind"`
	Data struct {
		OrderID  string `json:"order_id"`
		Replayed bool   `json:"replayed"`
	} `json:"data"`
}

// 1x1 PNG 头，足够通过类型嗅探
var pngProof = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{1}, 256)...)

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	dupes := flag.Int("dupes", 50, "concurrent submissions sharing one Idempotency-Key")
	users := flag.Int("users", 100, "distinct users for the promo race")
	concurrency := flag.Int("c", 50, "max concurrency")
	promoCode := flag.String("promo", "", "usage-limited promo code to race (skip when empty)")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	// 1) 幂等测试：同一用户、同一 nonce 并发提交，只应产生一个订单
	fmt.Printf("start duplicate checkout test: submissions=%d concurrency=%d\n", *dupes, *concurrency)
	nonce := uuid.NewString()
	dup := fanOut(*dupes, *concurrency, func(int) Result {
		return checkoutOnce(client, *baseURL, "loadtest-user", nonce, "")
	})
	printSummary("duplicate", dup)
	fmt.Printf("distinct orders created: %d (want 1)\n", distinctOrders(dup))

	// 2) 优惠码竞争：不同用户并发使用同一限量优惠码
	if *promoCode != "" {
		fmt.Printf("\nstart promo race: code=%s users=%d concurrency=%d\n", *promoCode, *users, *concurrency)
		race := fanOut(*users, *concurrency, func(i int) Result {
			return checkoutOnce(client, *baseURL, "promo-user-"+strconv.Itoa(i), uuid.NewString(), *promoCode)
		})
		printSummary("promo_race", race)
		fmt.Printf("orders with promo: %d (must not exceed usage_limit)\n", distinctOrders(race))
	}
}

func fanOut(total, concurrency int, fn func(int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func checkoutOnce(client *http.Client, baseURL, userID, nonce, promo string) Result {
	payload, _ := json.Marshal(map[string]any{
		"cart": []map[string]any{
			{"name": "Steam Wallet 20", "category": "gift-cards", "quantity": 1, "unit_price": 2000},
		},
		"shipping": map[string]any{
			"full_name": "Load Test", "phone": "9800000000", "email": "load@example.com",
			"address_line1": "Lakeside", "city": "Pokhara", "country": "NP",
		},
		"payment_method": "bank_transfer",
		"transaction_id": "LT-" + nonce,
		"promo_code":     promo,
	})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("payload", string(payload))
	fw, _ := mw.CreateFormFile("proof", "receipt.png")
	_, _ = fw.Write(pngProof)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/checkout", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("Idempotency-Key", nonce)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var env envelope
	_ = json.Unmarshal(raw, &env)
	return Result{Status: resp.StatusCode, OrderID: env.Data.OrderID, Kind: env.Kind, Latency: time.Since(start)}
}

func distinctOrders(results []Result) int {
	seen := map[string]struct{}{}
	for _, r := range results {
		if r.OrderID != "" {
			seen[r.OrderID] = struct{}{}
		}
	}
	return len(seen)
}

// printSummary 按状态码与错误类别聚合输出。
func printSummary(name string, results []Result) {
	type bucket struct {
		count int
		total time.Duration
	}
	buckets := map[string]*bucket{}
	for _, r := range results {
		key := "error"
		if r.Err == nil {
			key = strconv.Itoa(r.Status)
			if r.Kind != "" {
				key += " " + r.Kind
			}
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		b.total += r.Latency
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("[%s]\n", name)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("result", "count", "avg latency")
	for _, k := range keys {
		b := buckets[k]
		avg := b.total / time.Duration(b.count)
		_ = table.Append(k, strconv.Itoa(b.count), avg.Round(time.Millisecond).String())
	}
	_ = table.Render()
}
