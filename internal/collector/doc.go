// Package collector holds the domain types shared by the fetch, processing
// and health tracking stages: work items, fetch results, structured records,
// run statuses and the error taxonomy used to classify failures.
package collector
