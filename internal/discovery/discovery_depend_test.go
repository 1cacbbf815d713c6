// Code generated by dependgen — DO NOT EDIT.
package discovery

import "github.com/srgg/testify/depend"

var DiscoveryTestSuiteTestRegistry = map[string]func(any){
	"TestDiscoverBuildsOrderedTree": func(s any) { s.(*DiscoveryTestSuite).TestDiscoverBuildsOrderedTree() },
	"TestRepeatedDiscoveryIsStable": func(s any) { s.(*DiscoveryTestSuite).TestRepeatedDiscoveryIsStable() },
	"TestMarkStaleForcesWalk": func(s any) { s.(*DiscoveryTestSuite).TestMarkStaleForcesWalk() },
	"TestNotConnected": func(s any) { s.(*DiscoveryTestSuite).TestNotConnected() },
	"TestReLinkReusesRetainedTree": func(s any) { s.(*DiscoveryTestSuite).TestReLinkReusesRetainedTree() },
	"TestFreshReLinkWalksAgain": func(s any) { s.(*DiscoveryTestSuite).TestFreshReLinkWalksAgain() },
	"TestForgetDropsRetainedTree": func(s any) { s.(*DiscoveryTestSuite).TestForgetDropsRetainedTree() },
	"TestConcurrentCallersShareWalk": func(s any) { s.(*DiscoveryTestSuite).TestConcurrentCallersShareWalk() },
	"TestCancelledStarterDoesNotFailJoiner": func(s any) { s.(*DiscoveryTestSuite).TestCancelledStarterDoesNotFailJoiner() },
	"TestLinkLostAfterLastRequest": func(s any) { s.(*DiscoveryTestSuite).TestLinkLostAfterLastRequest() },
	"TestDisconnectDuringDiscovery": func(s any) { s.(*DiscoveryTestSuite).TestDisconnectDuringDiscovery() },
	"TestUnencryptedPeerDisconnectsDuringDiscovery": func(s any) { s.(*DiscoveryTestSuite).TestUnencryptedPeerDisconnectsDuringDiscovery() },
	"TestTruncatedDatabase": func(s any) { s.(*DiscoveryTestSuite).TestTruncatedDatabase() },
	"TestFindNormalizesUUIDForms": func(s any) { s.(*DiscoveryTestSuite).TestFindNormalizesUUIDForms() },
	"TestRead": func(s any) { s.(*DiscoveryTestSuite).TestRead() },
}

var DiscoveryTestSuiteTestOrder = []string{
	"TestDiscoverBuildsOrderedTree",
	"TestRepeatedDiscoveryIsStable",
	"TestMarkStaleForcesWalk",
	"TestNotConnected",
	"TestReLinkReusesRetainedTree",
	"TestFreshReLinkWalksAgain",
	"TestForgetDropsRetainedTree",
	"TestConcurrentCallersShareWalk",
	"TestCancelledStarterDoesNotFailJoiner",
	"TestLinkLostAfterLastRequest",
	"TestDisconnectDuringDiscovery",
	"TestUnencryptedPeerDisconnectsDuringDiscovery",
	"TestTruncatedDatabase",
	"TestFindNormalizesUUIDForms",
	"TestRead",
}

var DiscoveryTestSuiteDependencies = depend.Depends(func(s any) *depend.Dep {
	dep := new(depend.Dep)
	dep.On("TestRepeatedDiscoveryIsStable", "TestDiscoverBuildsOrderedTree")
	dep.On("TestMarkStaleForcesWalk", "TestDiscoverBuildsOrderedTree")
	dep.On("TestReLinkReusesRetainedTree", "TestDiscoverBuildsOrderedTree")
	dep.On("TestConcurrentCallersShareWalk", "TestDiscoverBuildsOrderedTree")
	dep.On("TestCancelledStarterDoesNotFailJoiner", "TestConcurrentCallersShareWalk")
	return dep
})

// GeneratedDependConfig returns the dependency configuration for DiscoveryTestSuite.
// This method allows DiscoveryTestSuite to be used with depend.RunSuite(t, suite).
// DO NOT implement this method manually - it is auto-generated.
func (s *DiscoveryTestSuite) GeneratedDependConfig() *depend.SuiteConfig {
	return &depend.SuiteConfig{
		Registry: DiscoveryTestSuiteTestRegistry,
		Order:    DiscoveryTestSuiteTestOrder,
		Deps:     DiscoveryTestSuiteDependencies,
	}
}
