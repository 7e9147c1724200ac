// Package registry catalogs executable units by capability and picks the
// best unit for a task.
//
// A Registry is constructed explicitly and shared by passing it around;
// units are added with Register or RegisterAll. SelectBest scores every
// candidate as
//
//	capability bonus + priority*PriorityWeight + preference bonus + success rate*HistoryWeight
//
// where the capability bonus is PrimaryBonus or SecondaryBonus and the
// success rate comes from RecordOutcome.
package registry
