// Package dependency validates task dependency graphs and turns them into
// ordered, level-grouped execution plans.
package dependency
