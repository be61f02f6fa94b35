package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// OrdersFlow exercises every transform kind.
const OrdersFlow = `name: orders
description: Normalize incoming orders
input: kafka.orders
transforms:
  - map:
      id: order.id
      currency: {source: cur, default: USD}
  - regex:
      field: sku
      pattern: '^(?P<vendor>[A-Z]+)-(\d+)$'
      captures:
        vendor: vendor
        number: {group: 2, transform: int}
  - template:
      label: "{{ vendor | lower }}-{{ id }}"
  - lookup: {field: country, table: countries, output: country_name, default: Unknown}
  - filter:
      when: amount > 0
  - drop: [debug]
  - coalesce:
      contact: [email, phone]
  - add_fields:
      source: orders
outputs:
  - warehouse
  - connector: alerts
    when: amount > 1000
artifacts:
  - name: countries
    data: {US: United States, DE: Germany}
`

// AlertsFlow is a second, smaller flow.
const AlertsFlow = `name: alerts
input: kafka.events
transforms:
  - filter: "level == 'error'"
outputs:
  - pager
`

// WriteFile writes content to dir/name, creating parent directories, and
// returns the full path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
