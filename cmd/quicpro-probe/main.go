package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/quic-go/quic-go/http3"
	log "github.com/sirupsen/logrus"
)

// quicpro-probe checks a running server from the outside: one request
// over HTTP/3, or over TCP to compare what the ALPN path negotiates.

func printUsage() {
	fmt.Printf("Usage of %s:\n", os.Args[0])
	fmt.Println("  get URL        request URL over HTTP/3")
	fmt.Println("  get-tcp URL    request URL over TCP (HTTP/2 or HTTP/1.1)")
	fmt.Println("  health URL     probe the health endpoint over HTTP/3")
	fmt.Println("")
	fmt.Println("  QUICPRO_PROBE_INSECURE=1 skips certificate verification.")

	os.Exit(1)
}

func tlsConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: os.Getenv("QUICPRO_PROBE_INSECURE") != "",
	}
}

func clientH3() *http.Client {
	return &http.Client{
		Transport: &http3.RoundTripper{
			TLSClientConfig: tlsConfig(),
		},
		Timeout: 10 * time.Second,
	}
}

func clientTCP() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   tlsConfig(),
			ForceAttemptHTTP2: true,
		},
		Timeout: 10 * time.Second,
	}
}

func request(client *http.Client, url string, dumpBody bool) {
	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		log.WithError(err).Fatal("Request errored")
	}
	defer resp.Body.Close()

	fmt.Printf("%s %s (%s)\n", resp.Proto, resp.Status, time.Since(start).Round(time.Millisecond))

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range resp.Header[name] {
			fmt.Printf("%s: %s\n", name, value)
		}
	}

	if dumpBody {
		fmt.Println()
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			log.WithError(err).Fatal("Reading the body errored")
		}
	}
}

func main() {
	if len(os.Args) != 3 {
		printUsage()
	}

	switch os.Args[1] {
	case "get":
		request(clientH3(), os.Args[2], true)

	case "get-tcp":
		request(clientTCP(), os.Args[2], true)

	case "health":
		request(clientH3(), os.Args[2], false)

	default:
		printUsage()
	}
}
